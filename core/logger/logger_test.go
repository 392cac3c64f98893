package logger

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLoggerIsStable(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Same(t, rlog, rlog2)
	assert.NotEmpty(t, rlog.Data[sessionIDLoggerKey])
}

func TestSerializeLoggerContext(t *testing.T) {
	assert.Equal(t, "{}", string(SerializeLoggerContext(context.Background())))

	ctx, _ := ContextWithLoggerDevice(context.Background(), "device-1")
	var values contextLoggerValues
	require.NoError(t, json.Unmarshal(SerializeLoggerContext(ctx), &values))
	assert.Equal(t, "device-1", values.DeviceID)
	assert.NotEmpty(t, values.SessionID)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, logrus.InfoLevel, ParseLevel(""))
	assert.Equal(t, logrus.InfoLevel, ParseLevel("loud"))
}
