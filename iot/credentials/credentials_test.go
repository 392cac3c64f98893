package credentials

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/client"
	dps "github.com/relabs-tech/iotdemo/device/provisioning"
	"github.com/relabs-tech/iotdemo/iot/registry"
)

var deviceKey = base64.StdEncoding.EncodeToString([]byte("sensor secret"))

func newService(t *testing.T, b Builder) (client.Client, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	reg.AddEnrollment(registry.Enrollment{ID: "sensor-1", Key: deviceKey})
	reg.AddEnrollment(registry.Enrollment{ID: "sensor-off", Key: deviceKey, Disabled: true})
	router := mux.NewRouter()
	b.Registry = reg
	b.Router = router
	b.HubHostName = "hub.local"
	NewAPI(&b)
	return client.NewWithRouter(router), reg
}

func authorized(t *testing.T, cl client.Client, idScope, registrationID, key string) client.Client {
	sas, err := access.NewSharedAccessSignature(dps.SignatureResource(idScope, registrationID), key, dps.KeyName, time.Now().Add(time.Minute))
	require.NoError(t, err)
	return cl.WithHeader("Authorization", sas.String())
}

func TestRegister_Assigned(t *testing.T) {
	cl, reg := newService(t, Builder{})
	cl = authorized(t, cl, "scope", "sensor-1", deviceKey)

	var op dps.Operation
	status, err := cl.RawPut("/scope/registrations/sensor-1/register", dps.RegistrationRequest{RegistrationID: "sensor-1"}, &op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, dps.StatusAssigned, op.Status)
	require.NotNil(t, op.RegistrationState)
	assert.Equal(t, "hub.local", op.RegistrationState.AssignedHub)
	assert.Equal(t, "sensor-1", op.RegistrationState.DeviceID)

	device, ok := reg.Device("sensor-1")
	require.True(t, ok)
	assert.Equal(t, deviceKey, device.Key)
}

func TestRegister_Assigning(t *testing.T) {
	cl, reg := newService(t, Builder{AssigningPolls: 2, RetryAfter: 1})
	cl = authorized(t, cl, "scope", "sensor-1", deviceKey)

	var op dps.Operation
	status, header, err := cl.RawPutWithHeader("/scope/registrations/sensor-1/register", nil, dps.RegistrationRequest{RegistrationID: "sensor-1"}, &op)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "1", header.Get("Retry-After"))
	assert.Equal(t, dps.StatusAssigning, op.Status)

	path := "/scope/registrations/sensor-1/operations/" + op.OperationID
	var poll dps.Operation
	status, err = cl.RawGet(path, &poll)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, dps.StatusAssigning, poll.Status)
	_, ok := reg.Device("sensor-1")
	assert.False(t, ok)

	status, err = cl.RawGet(path, &poll)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, dps.StatusAssigned, poll.Status)
	_, ok = reg.Device("sensor-1")
	assert.True(t, ok)

	_, err = cl.RawGet("/scope/registrations/sensor-1/operations/unknown", nil)
	assert.Error(t, err)
}

func TestRegister_Disabled(t *testing.T) {
	cl, reg := newService(t, Builder{AssigningPolls: 3})
	cl = authorized(t, cl, "scope", "sensor-off", deviceKey)

	var op dps.Operation
	_, err := cl.RawPut("/scope/registrations/sensor-off/register", dps.RegistrationRequest{RegistrationID: "sensor-off"}, &op)
	require.NoError(t, err)
	assert.Equal(t, dps.StatusDisabled, op.Status)
	_, ok := reg.Device("sensor-off")
	assert.False(t, ok)
}

func TestRegister_Unauthorized(t *testing.T) {
	cl, _ := newService(t, Builder{IDScope: "scope"})
	request := dps.RegistrationRequest{RegistrationID: "sensor-1"}

	status, err := cl.RawPut("/scope/registrations/sensor-1/register", request, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	wrongKey := base64.StdEncoding.EncodeToString([]byte("guess"))
	status, err = authorized(t, cl, "scope", "sensor-1", wrongKey).RawPut("/scope/registrations/sensor-1/register", request, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	// signature of another registration
	status, err = authorized(t, cl, "scope", "sensor-2", deviceKey).RawPut("/scope/registrations/sensor-1/register", request, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, err = authorized(t, cl, "other", "sensor-1", deviceKey).RawPut("/other/registrations/sensor-1/register", request, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRegister_FinishedOperationsAreEvicted(t *testing.T) {
	reg := registry.New()
	reg.AddEnrollment(registry.Enrollment{ID: "sensor-1", Key: deviceKey})
	reg.AddEnrollment(registry.Enrollment{ID: "sensor-off", Key: deviceKey, Disabled: true})
	router := mux.NewRouter()
	api := NewAPI(&Builder{Registry: reg, Router: router, HubHostName: "hub.local", AssigningPolls: 1})
	pending := func() int {
		api.mu.Lock()
		defer api.mu.Unlock()
		return len(api.operations)
	}
	cl := authorized(t, client.NewWithRouter(router), "scope", "sensor-1", deviceKey)

	var op dps.Operation
	_, err := cl.RawPut("/scope/registrations/sensor-1/register", dps.RegistrationRequest{RegistrationID: "sensor-1"}, &op)
	require.NoError(t, err)
	assert.Equal(t, dps.StatusAssigning, op.Status)
	assert.Equal(t, 1, pending())

	path := "/scope/registrations/sensor-1/operations/" + op.OperationID
	var poll dps.Operation
	status, err := cl.RawGet(path, &poll)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, dps.StatusAssigned, poll.Status)
	assert.Equal(t, 0, pending())

	status, err = cl.RawGet(path, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)

	// disabled registrations finish right away
	_, err = authorized(t, client.NewWithRouter(router), "scope", "sensor-off", deviceKey).
		RawPut("/scope/registrations/sensor-off/register", dps.RegistrationRequest{RegistrationID: "sensor-off"}, &op)
	require.NoError(t, err)
	assert.Equal(t, dps.StatusDisabled, op.Status)
	assert.Equal(t, 0, pending())
}
