package twin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned for devices without a twin
var ErrNotFound = errors.New("twin not found")

// Twin is the cloud side of a device twin
type Twin struct {
	DeviceID        string          `json:"device_id"`
	Desired         json.RawMessage `json:"desired"`
	DesiredVersion  int             `json:"desired_version"`
	Reported        json.RawMessage `json:"reported"`
	ReportedVersion int             `json:"reported_version"`
	DesiredAt       time.Time       `json:"desired_at"`
	ReportedAt      time.Time       `json:"reported_at"`
}

// NewTwin returns an empty twin for deviceID
func NewTwin(deviceID string) *Twin {
	return &Twin{
		DeviceID: deviceID,
		Desired:  json.RawMessage(`{}`),
		Reported: json.RawMessage(`{}`),
	}
}

// Document returns the twin as seen by the device, with the version of each
// property set as $version
func (t *Twin) Document() ([]byte, error) {
	desired, err := WithVersion(t.Desired, t.DesiredVersion)
	if err != nil {
		return nil, err
	}
	reported, err := WithVersion(t.Reported, t.ReportedVersion)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{"desired": desired, "reported": reported})
}

// WithVersion adds $version to the properties object
func WithVersion(properties json.RawMessage, version int) (json.RawMessage, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(properties, &m); err != nil {
		return nil, fmt.Errorf("invalid properties: %w", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	m["$version"] = version
	return json.Marshal(m)
}

// Store persists twins
type Store interface {
	// Get returns ErrNotFound if the device has no twin
	Get(ctx context.Context, deviceID string) (*Twin, error)
	// UpdateDesired merges patch into the desired properties, or replaces them if replace
	// is true. The twin is created if it does not exist.
	UpdateDesired(ctx context.Context, deviceID string, patch []byte, replace bool) (*Twin, error)
	// UpdateReported merges patch into the reported properties. The twin is created
	// if it does not exist.
	UpdateReported(ctx context.Context, deviceID string, patch []byte) (*Twin, error)
}

// Merge applies a JSON merge patch to doc: objects are merged recursively, null
// deletes a property, everything else replaces. Both must be JSON objects.
func Merge(doc, patch []byte) ([]byte, error) {
	var d, p map[string]interface{}
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if p == nil {
		return nil, errors.New("invalid patch: not an object")
	}
	if d == nil {
		d = map[string]interface{}{}
	}
	return json.Marshal(merge(d, p))
}

func merge(doc, patch map[string]interface{}) map[string]interface{} {
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		if pv, ok := v.(map[string]interface{}); ok {
			dv, _ := doc[k].(map[string]interface{})
			if dv == nil {
				dv = map[string]interface{}{}
			}
			doc[k] = merge(dv, pv)
			continue
		}
		doc[k] = v
	}
	return doc
}

// update is shared by the stores. It applies patch to the properties and bumps the version.
func update(properties json.RawMessage, version int, patch []byte, replace bool) (json.RawMessage, int, error) {
	base := []byte(`{}`)
	if !replace && len(properties) > 0 {
		base = properties
	}
	merged, err := Merge(base, patch)
	if err != nil {
		return nil, 0, err
	}
	return merged, version + 1, nil
}
