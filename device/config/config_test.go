package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("IOT_ID_SCOPE", "0ne000ABCDE")
	t.Setenv("IOT_DEVICE_ID", "sensor-1")
	t.Setenv("IOT_DEVICE_KEY", "a2V5")
	t.Setenv("IOT_SEND_INTERVAL", "250ms")
	t.Setenv("IOT_SETTINGS_FILE", "/tmp/settings.json")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Credentials{IDScope: "0ne000ABCDE", DeviceID: "sensor-1", Key: "a2V5"}, cfg.Credentials())
	assert.Equal(t, 250*time.Millisecond, cfg.SendInterval)
	assert.Equal(t, "/tmp/settings.json", cfg.SettingsFile)
	assert.Equal(t, 3*time.Second, cfg.ProvisioningPollInterval)
	assert.Equal(t, "https://global.azure-devices-provisioning.net", cfg.ProvisioningEndpoint)
}

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("IOT_DEVICE_ID", "from-env")

	cfg, err := Load([]string{"-s", "scope", "--DeviceId", "from-flag", "-k", "key"})
	require.NoError(t, err)
	assert.Equal(t, "scope", cfg.IDScope)
	assert.Equal(t, "from-flag", cfg.DeviceID)
	assert.Equal(t, "key", cfg.Key)
	assert.Equal(t, SettingsFileName, filepath.Base(cfg.SettingsFile))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)

	_, err = Load([]string{"-s", "scope", "stray"})
	assert.Error(t, err)
}

func TestCredentials_Validate(t *testing.T) {
	assert.NoError(t, Credentials{IDScope: "s", DeviceID: "d", Key: "k"}.Validate())

	err := Credentials{DeviceID: "d"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id scope")
	assert.Contains(t, err.Error(), "key")
	assert.NotContains(t, err.Error(), "device id")
}
