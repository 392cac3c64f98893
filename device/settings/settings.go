// Package settings persists the result of provisioning in a small local JSON
// document. The document is the source of truth for "is this device already
// provisioned": an absent or empty IotHubEndpoint means it is not.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotdemo/core/logger"
)

// Settings is the persisted provisioning result
type Settings struct {
	IotHubEndpoint string `json:"IotHubEndpoint"`
	DeviceID       string `json:"DeviceId"`
}

// IsProvisioned returns true if a hub has been assigned
func (s Settings) IsProvisioned() bool {
	return s.IotHubEndpoint != ""
}

// Store reads and writes Settings to a file. It is meant for a single process
// with sequential access and does no locking.
type Store struct {
	path string
}

// NewStore returns a store for the document at path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the location of the document
func (s *Store) Path() string {
	return s.path
}

// Load reads the settings. It never fails: a missing or unparseable document
// yields empty settings.
func (s *Store) Load() Settings {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Settings{}
	}
	if err != nil {
		logger.Default().WithError(err).Warnf("cannot read local settings %s", s.path)
		return Settings{}
	}

	logger.Default().Infoln("Reading configuration")
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		logger.Default().WithError(err).Warnf("ignoring unparseable local settings %s", s.path)
		return Settings{}
	}
	logger.Default().WithField("deviceId", settings.DeviceID).
		WithField("iotHub", settings.IotHubEndpoint).
		Infoln("Configuration read")
	return settings
}

// Save overwrites the document. The new content is written to a temporary file
// in the same directory which then replaces the document.
func (s *Store) Save(settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".appsettings_*")
	if err != nil {
		return fmt.Errorf("error creating temp file for local settings: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("error writing local settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing local settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("error renaming temp local settings to %q: %w", s.path, err)
	}
	return nil
}

// Invalidate deletes the document, which forces provisioning on the next run.
// Deleting a document which does not exist is not an error.
func (s *Store) Invalidate() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
