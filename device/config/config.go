// Package config holds the configuration of the device agent.
//
// Configuration is read from environment variables first; the three credentials
// can be given (or overridden) on the command line:
//
//	device -s <id scope> -d <device id> -k <key>
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// SettingsFileName is the name of the local settings document
const SettingsFileName = "appsettings.json"

// Credentials are the three inputs a device needs to provision itself
type Credentials struct {
	// IDScope is the id scope of the provisioning service instance
	IDScope string
	// DeviceID is the registration id for individual enrollments, or the
	// desired device id for group enrollments
	DeviceID string
	// Key is the key of the individual enrollment or the derived key of the
	// group enrollment
	Key string
}

// Validate returns an error naming every missing credential
func (c Credentials) Validate() error {
	var missing []string
	if c.IDScope == "" {
		missing = append(missing, "id scope")
	}
	if c.DeviceID == "" {
		missing = append(missing, "device id")
	}
	if c.Key == "" {
		missing = append(missing, "key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Config is the configuration of the device agent
type Config struct {
	IDScope  string `env:"IOT_ID_SCOPE" description:"the id scope of the provisioning service"`
	DeviceID string `env:"IOT_DEVICE_ID" description:"the registration id of the device"`
	Key      string `env:"IOT_DEVICE_KEY" description:"the shared access key of the device"`

	SettingsFile string `env:"IOT_SETTINGS_FILE" description:"path of the local settings document, defaults to appsettings.json next to the executable"`

	ProvisioningEndpoint     string        `env:"IOT_PROVISIONING_ENDPOINT,default=https://global.azure-devices-provisioning.net" description:"base URL of the provisioning service"`
	ProvisioningPollInterval time.Duration `env:"IOT_PROVISIONING_POLL_INTERVAL,default=3s" description:"poll interval while a registration is being assigned"`

	HubBrokerURL string        `env:"IOT_HUB_BROKER_URL" description:"MQTT broker URL of the hub, defaults to ssl://{hub}:8883"`
	HubTimeout   time.Duration `env:"IOT_HUB_TIMEOUT,default=30s" description:"timeout of a single hub operation"`

	SendInterval time.Duration `env:"IOT_SEND_INTERVAL,default=1s" description:"pause between two telemetry messages"`
	LogLevel     string        `env:"IOT_LOG_LEVEL,default=info" description:"logrus log level"`
}

// Credentials returns the credentials part of the configuration
func (c *Config) Credentials() Credentials {
	return Credentials{IDScope: c.IDScope, DeviceID: c.DeviceID, Key: c.Key}
}

// Load reads the configuration from the environment and then from the
// command line arguments (without the program name). It returns
// pflag.ErrHelp when help was requested.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, err
	}

	flagSet := pflag.NewFlagSet("device", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.IDScope, "IdScope", "s", cfg.IDScope, "the id scope of the provisioning service instance")
	flagSet.StringVarP(&cfg.DeviceID, "DeviceId", "d", cfg.DeviceID, "the registration id when using individual enrollment, or the desired device id when using group enrollment")
	flagSet.StringVarP(&cfg.Key, "Key", "k", cfg.Key, "the key of the individual enrollment or the derived primary key of the group enrollment")
	flagSet.StringVar(&cfg.SettingsFile, "settings", cfg.SettingsFile, "path of the local settings document")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if cfg.SettingsFile == "" {
		cfg.SettingsFile = defaultSettingsFile()
	}
	return cfg, nil
}

func defaultSettingsFile() string {
	executable, err := os.Executable()
	if err != nil {
		return SettingsFileName
	}
	return filepath.Join(filepath.Dir(executable), SettingsFileName)
}
