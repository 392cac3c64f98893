package mqtt

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/iot"
	"github.com/relabs-tech/iotdemo/iot/registry"
	"github.com/relabs-tech/iotdemo/iot/routing"
	"github.com/relabs-tech/iotdemo/iot/twin"
)

const (
	hostName  = "hub.local"
	deviceKey = "c2Vuc29yLTEta2V5"
)

var now = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	messages []*routing.Message
}

func (s *recordingSink) Route(ctx context.Context, m *routing.Message) error {
	s.messages = append(s.messages, m)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func newHandler() (*handler, *twin.MemoryStore, *recordingSink) {
	r := registry.New()
	r.Register(registry.Device{DeviceID: "sensor-1", Key: deviceKey, Hub: hostName, Registered: now})
	store := twin.NewMemoryStore()
	sink := &recordingSink{}
	return &handler{
		hostName: hostName,
		registry: r,
		store:    store,
		sink:     sink,
		now:      func() time.Time { return now },
	}, store, sink
}

func password(t *testing.T, resource, key string, expiry time.Time) string {
	sas, err := access.NewSharedAccessSignature(resource, key, "", expiry)
	require.NoError(t, err)
	return sas.String()
}

func TestAuthenticate(t *testing.T) {
	h, _, _ := newHandler()
	username := hostName + "/sensor-1/?api-version=2021-04-12"
	resource := hostName + "/devices/sensor-1"

	assert.NoError(t, h.authenticate("sensor-1", username, password(t, resource, deviceKey, now.Add(time.Hour))))

	assert.Error(t, h.authenticate("sensor-2", hostName+"/sensor-2/?api-version=2021-04-12",
		password(t, hostName+"/devices/sensor-2", deviceKey, now.Add(time.Hour))), "unregistered device")
	assert.Error(t, h.authenticate("sensor-1", "other.local/sensor-1/", password(t, resource, deviceKey, now.Add(time.Hour))), "wrong user name")
	assert.Error(t, h.authenticate("sensor-1", username, password(t, hostName+"/devices/sensor-9", deviceKey, now.Add(time.Hour))), "wrong resource")
	assert.ErrorIs(t, h.authenticate("sensor-1", username, password(t, resource, "b3RoZXI=", now.Add(time.Hour))), access.ErrSignatureMismatch)
	assert.ErrorIs(t, h.authenticate("sensor-1", username, password(t, resource, deviceKey, now.Add(-time.Minute))), access.ErrSignatureExpired)
	assert.Error(t, h.authenticate("sensor-1", username, "secret"), "not a signature")
}

func TestAllowSubscribe(t *testing.T) {
	h, _, _ := newHandler()
	assert.True(t, h.allowSubscribe(iot.TwinResponseFilter))
	assert.True(t, h.allowSubscribe(iot.TwinDesiredFilter))
	assert.False(t, h.allowSubscribe("devices/sensor-2/messages/events/#"))
	assert.False(t, h.allowSubscribe("#"))
}

func TestHandle_TwinGet(t *testing.T) {
	h, store, _ := newHandler()
	ctx := context.Background()

	replies, pass := h.handle(ctx, "sensor-1", iot.TwinGetTopic("r1"), nil)
	assert.False(t, pass)
	require.Len(t, replies, 1)
	assert.Equal(t, iot.TwinResponseTopic(http.StatusOK, "r1", 0), replies[0].topic)
	assert.JSONEq(t, `{"desired":{"$version":0},"reported":{"$version":0}}`, string(replies[0].payload))

	_, err := store.UpdateDesired(ctx, "sensor-1", []byte(`{"maxMessages":3}`), true)
	require.NoError(t, err)
	replies, _ = h.handle(ctx, "sensor-1", iot.TwinGetTopic("r2"), nil)
	require.Len(t, replies, 1)
	assert.JSONEq(t, `{"desired":{"maxMessages":3,"$version":1},"reported":{"$version":0}}`, string(replies[0].payload))
}

func TestHandle_TwinReported(t *testing.T) {
	h, store, _ := newHandler()
	ctx := context.Background()

	replies, pass := h.handle(ctx, "sensor-1", iot.TwinReportedTopic("r1"), []byte(`{"messageId":4}`))
	assert.False(t, pass)
	require.Len(t, replies, 1)
	response, err := iot.ParseTwinResponseTopic(replies[0].topic)
	require.NoError(t, err)
	assert.Equal(t, iot.TwinResponse{Status: http.StatusNoContent, RID: "r1", Version: 1}, *response)

	tw, err := store.Get(ctx, "sensor-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messageId":4}`, string(tw.Reported))

	replies, _ = h.handle(ctx, "sensor-1", iot.TwinReportedTopic("r2"), []byte(`not json`))
	require.Len(t, replies, 1)
	response, err = iot.ParseTwinResponseTopic(replies[0].topic)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, response.Status)
	var body map[string]string
	require.NoError(t, json.Unmarshal(replies[0].payload, &body))
	assert.NotEmpty(t, body["message"])
}

func TestHandle_Telemetry(t *testing.T) {
	h, _, sink := newHandler()
	ctx := context.Background()
	topic := iot.EventsTopic("sensor-1", map[string]string{iot.PropertyMessageID: "7", "temperatureAlert": "true"})

	replies, pass := h.handle(ctx, "sensor-1", topic, []byte(`{"temperature":31,"humidity":70}`))
	assert.True(t, pass)
	assert.Empty(t, replies)
	require.Len(t, sink.messages, 1)
	m := sink.messages[0]
	assert.Equal(t, "sensor-1", m.DeviceID)
	assert.Equal(t, map[string]string{"$.mid": "7", "temperatureAlert": "true"}, m.Properties)
	assert.Equal(t, now, m.ReceivedAt)

	// foreign topics are dropped
	replies, pass = h.handle(ctx, "sensor-1", iot.EventsTopic("sensor-2", nil), []byte(`{}`))
	assert.False(t, pass)
	assert.Empty(t, replies)
	assert.Len(t, sink.messages, 1)

	_, pass = h.handle(ctx, "sensor-1", "$iothub/twin/GET/?foo=bar", nil)
	assert.False(t, pass)
}
