package registry

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotdemo/core/access"
)

var (
	deviceKey = base64.StdEncoding.EncodeToString([]byte("device secret"))
	groupKey  = base64.StdEncoding.EncodeToString([]byte("group secret"))
)

func signFor(t *testing.T, registrationID, key string) *access.SharedAccessSignature {
	sas, err := access.NewSharedAccessSignature("scope/registrations/"+registrationID, key, "registration", time.Now().Add(time.Hour))
	require.NoError(t, err)
	return sas
}

func TestAttest_Individual(t *testing.T) {
	r := New()
	r.AddEnrollment(Enrollment{ID: "sensor-1", Key: deviceKey})

	e, key, err := r.Attest("sensor-1", signFor(t, "sensor-1", deviceKey), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", e.ID)
	assert.Equal(t, deviceKey, key)

	_, _, err = r.Attest("sensor-1", signFor(t, "sensor-1", groupKey), time.Now())
	assert.ErrorIs(t, err, access.ErrSignatureMismatch)

	_, _, err = r.Attest("sensor-2", signFor(t, "sensor-2", deviceKey), time.Now())
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestAttest_Group(t *testing.T) {
	r := New()
	r.AddEnrollment(Enrollment{Group: true, ID: "factory", Key: groupKey})

	derived, err := access.DeriveDeviceKey(groupKey, "sensor-7")
	require.NoError(t, err)

	e, key, err := r.Attest("sensor-7", signFor(t, "sensor-7", derived), time.Now())
	require.NoError(t, err)
	assert.True(t, e.Group)
	assert.Equal(t, derived, key)

	// the group key itself is not a device key
	_, _, err = r.Attest("sensor-7", signFor(t, "sensor-7", groupKey), time.Now())
	assert.ErrorIs(t, err, ErrNotEnrolled)
}

func TestDevices(t *testing.T) {
	r := New()
	_, ok := r.Device("sensor-1")
	assert.False(t, ok)

	require.NoError(t, r.Register(Device{DeviceID: "sensor-1", Key: deviceKey, Hub: "hub.local"}))
	d, ok := r.Device("sensor-1")
	require.True(t, ok)
	assert.Equal(t, "hub.local", d.Hub)
}

type mapStore struct {
	values   map[string][]byte
	writeErr error
}

func (m *mapStore) Read(key string, value interface{}) (time.Time, error) {
	raw, ok := m.values[key]
	if !ok {
		return time.Time{}, nil
	}
	return time.Now(), json.Unmarshal(raw, value)
}

func (m *mapStore) Write(key string, value interface{}) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	raw, err := json.Marshal(value)
	m.values[key] = raw
	return err
}

func TestDevices_Persisted(t *testing.T) {
	store := &mapStore{values: map[string][]byte{}}
	registered := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, NewWithStore(store).Register(Device{DeviceID: "sensor-1", Key: deviceKey, Hub: "hub.local", Registered: registered}))

	// a new registry, as after a restart
	r := NewWithStore(store)
	d, ok := r.Device("sensor-1")
	require.True(t, ok)
	assert.Equal(t, Device{DeviceID: "sensor-1", Key: deviceKey, Hub: "hub.local", Registered: registered}, d)
	_, ok = r.Device("sensor-2")
	assert.False(t, ok)

	store.writeErr = errors.New("database is gone")
	assert.Error(t, r.Register(Device{DeviceID: "sensor-3"}))
	_, ok = r.Device("sensor-3")
	assert.False(t, ok)
}

func TestParseEnrollments(t *testing.T) {
	enrollments, err := ParseEnrollments("individual:sensor-1:" + deviceKey + "; group:factory:" + groupKey + ":disabled;")
	require.NoError(t, err)
	assert.Equal(t, []Enrollment{
		{ID: "sensor-1", Key: deviceKey},
		{Group: true, ID: "factory", Key: groupKey, Disabled: true},
	}, enrollments)

	for _, invalid := range []string{"sensor-1:key", "device:x:key", "individual::key", "group:g:key:enabled"} {
		_, err := ParseEnrollments(invalid)
		assert.Error(t, err, invalid)
	}
}
