package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/iotdemo/device/config"
	"github.com/relabs-tech/iotdemo/device/hub"
	"github.com/relabs-tech/iotdemo/device/provisioning"
	"github.com/relabs-tech/iotdemo/device/settings"
	"github.com/relabs-tech/iotdemo/device/twin"
)

var creds = config.Credentials{IDScope: "scope", DeviceID: "sensor-1", Key: "a2V5"}

// calls records the order of calls across all fakes
type calls []string

func (c *calls) add(call string) { *c = append(*c, call) }

type fakeProvisioner struct {
	calls  *calls
	result *provisioning.Result
	err    error
}

func (f *fakeProvisioner) Provision(ctx context.Context, creds config.Credentials) (*provisioning.Result, error) {
	f.calls.add("provision")
	return f.result, f.err
}

type fakeTransport struct {
	calls   *calls
	twinErr error
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) GetTwin(ctx context.Context) (*twin.Document, error) {
	if f.twinErr != nil {
		return nil, f.twinErr
	}
	return &twin.Document{Desired: twin.Properties{"maxMessages": float64(1)}}, nil
}

func (f *fakeTransport) SendEvent(ctx context.Context, event *hub.Event) error { return nil }

func (f *fakeTransport) UpdateReported(ctx context.Context, properties twin.Properties) error {
	return nil
}

func (f *fakeTransport) SubscribeDesired(ctx context.Context, handler func(twin.Properties)) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.calls.add("close")
	return nil
}

type fakeConnector struct {
	calls     *calls
	transport *fakeTransport
	endpoint  string
	deviceID  string
}

func (f *fakeConnector) Connect(ctx context.Context, endpoint, deviceID, key string) (*hub.Context, error) {
	f.calls.add("connect")
	f.endpoint, f.deviceID = endpoint, deviceID
	m := hub.NewManager(func(hub.ConnectionString) (hub.Transport, error) { return f.transport, nil })
	return m.Connect(ctx, endpoint, deviceID, key)
}

type fakeLoop struct {
	calls *calls
	err   error
}

func (f *fakeLoop) RunCycle(ctx context.Context, c *hub.Context) error {
	f.calls.add("cycle")
	return f.err
}

type fakeGate struct {
	calls *calls
	more  int
}

func (f *fakeGate) Next(ctx context.Context) bool {
	f.calls.add("gate")
	if f.more > 0 {
		f.more--
		return true
	}
	return false
}

type fixture struct {
	calls       *calls
	store       *settings.Store
	provisioner *fakeProvisioner
	transport   *fakeTransport
	connector   *fakeConnector
	loop        *fakeLoop
	gate        *fakeGate
}

func newFixture(t *testing.T) *fixture {
	c := &calls{}
	transport := &fakeTransport{calls: c}
	return &fixture{
		calls: c,
		store: settings.NewStore(filepath.Join(t.TempDir(), config.SettingsFileName)),
		provisioner: &fakeProvisioner{calls: c, result: &provisioning.Result{
			Status:      provisioning.StatusAssigned,
			AssignedHub: "hub.local",
			DeviceID:    "sensor-1-assigned",
		}},
		transport: transport,
		connector: &fakeConnector{calls: c, transport: transport},
		loop:      &fakeLoop{calls: c},
		gate:      &fakeGate{calls: c},
	}
}

func (f *fixture) agent(creds config.Credentials) *Agent {
	return New(&Builder{
		Credentials: creds,
		Settings:    f.store,
		Provisioner: f.provisioner,
		Connector:   f.connector,
		Loop:        f.loop,
		Gate:        f.gate,
	})
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var agentErr *Error
	require.True(t, errors.As(err, &agentErr), "expected *agent.Error, got %v", err)
	return agentErr.Kind
}

func TestRun_ProvisionsBeforeConnecting(t *testing.T) {
	f := newFixture(t)
	f.gate.more = 1
	a := f.agent(creds)

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, calls{"provision", "connect", "cycle", "gate", "cycle", "gate", "close"}, *f.calls)
	assert.Equal(t, settings.Settings{IotHubEndpoint: "hub.local", DeviceID: "sensor-1-assigned"}, f.store.Load())
	assert.Equal(t, "hub.local", f.connector.endpoint)
	assert.Equal(t, "sensor-1-assigned", f.connector.deviceID)
	assert.Equal(t, []State{Unprovisioned, Provisioning, Provisioned, Connecting, Connected, Running, Terminating, Terminated}, a.history)
}

func TestRun_UsesStoredSettings(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(settings.Settings{IotHubEndpoint: "other.local"}))

	require.NoError(t, f.agent(creds).Run(context.Background()))

	assert.Equal(t, calls{"connect", "cycle", "gate", "close"}, *f.calls)
	assert.Equal(t, "other.local", f.connector.endpoint)
	// device id falls back to the registration id
	assert.Equal(t, "sensor-1", f.connector.deviceID)
}

func TestRun_CredentialError(t *testing.T) {
	f := newFixture(t)
	a := f.agent(config.Credentials{IDScope: "scope"})

	err := a.Run(context.Background())
	assert.Equal(t, CredentialError, kindOf(t, err))
	assert.Empty(t, *f.calls)
	assert.Equal(t, Terminated, a.State())
}

func TestRun_ProvisioningError(t *testing.T) {
	f := newFixture(t)
	f.provisioner.result = nil
	f.provisioner.err = &provisioning.StatusError{Status: provisioning.StatusDisabled, Payload: `{"status":"disabled"}`}

	err := f.agent(creds).Run(context.Background())
	assert.Equal(t, ProvisioningError, kindOf(t, err))
	assert.Equal(t, calls{"provision"}, *f.calls)
	assert.False(t, f.store.Load().IsProvisioned())
}

func TestRun_ProvisioningTransportError(t *testing.T) {
	f := newFixture(t)
	f.provisioner.result = nil
	f.provisioner.err = &provisioning.TransportError{Err: errors.New("no route to host")}

	err := f.agent(creds).Run(context.Background())
	assert.Equal(t, ProvisioningTransportError, kindOf(t, err))
	assert.Equal(t, calls{"provision"}, *f.calls)
}

func TestRun_LogsTerminatingErrorOnce(t *testing.T) {
	hook := logtest.NewLocal(logrus.StandardLogger())
	defer hook.Reset()
	f := newFixture(t)
	f.provisioner.result = nil
	f.provisioner.err = &provisioning.TransportError{Err: errors.New("no route to host")}

	require.Error(t, f.agent(creds).Run(context.Background()))

	var errorEntries []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorEntries = append(errorEntries, e)
		}
	}
	require.Len(t, errorEntries, 1)
	assert.Equal(t, "provisioning transport error", errorEntries[0].Message)
	assert.ErrorIs(t, errorEntries[0].Data[logrus.ErrorKey].(error), f.provisioner.err)
}

func TestRun_TwinFailureInvalidatesAndClosesOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Save(settings.Settings{IotHubEndpoint: "hub.local", DeviceID: "sensor-1"}))
	f.transport.twinErr = errors.New("twin unavailable")

	a := f.agent(creds)
	err := a.Run(context.Background())
	assert.Equal(t, ConnectionError, kindOf(t, err))
	assert.Equal(t, calls{"connect", "close"}, *f.calls)
	assert.False(t, f.store.Load().IsProvisioned())
	assert.Equal(t, Terminated, a.State())
}

func TestRun_RuntimeErrorInvalidates(t *testing.T) {
	f := newFixture(t)
	f.loop.err = errors.New("missing property: maxMessages")

	err := f.agent(creds).Run(context.Background())
	assert.Equal(t, RuntimeError, kindOf(t, err))
	assert.ErrorIs(t, err, f.loop.err)
	assert.Equal(t, calls{"provision", "connect", "cycle", "close"}, *f.calls)
	assert.False(t, f.store.Load().IsProvisioned())
}

func TestRun_CancelledStopsNormally(t *testing.T) {
	f := newFixture(t)
	f.gate.more = 10
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.agent(creds).Run(ctx))
	assert.Equal(t, calls{"provision", "connect", "cycle", "close"}, *f.calls)
	assert.True(t, f.store.Load().IsProvisioned())
}

func TestLineGate(t *testing.T) {
	var out bytes.Buffer
	gate := NewLineGate(strings.NewReader("\nmore\nexit\n"), &out)
	ctx := context.Background()

	assert.True(t, gate.Next(ctx))
	assert.True(t, gate.Next(ctx))
	assert.False(t, gate.Next(ctx))
	assert.Contains(t, out.String(), "Press ENTER to send or type 'exit' to quit.")
	assert.Contains(t, out.String(), "Okay, we'll stop the loop.")

	eof := NewLineGate(strings.NewReader(""), &out)
	assert.False(t, eof.Next(ctx))
}

func TestLineGate_CancelKeepsInput(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	gate := NewLineGate(r, io.Discard)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, gate.Next(cancelled))

	go w.Write([]byte("more\nexit\n"))
	assert.True(t, gate.Next(context.Background()))
	assert.False(t, gate.Next(context.Background()))
}

func TestLineGate_Pause(t *testing.T) {
	var out bytes.Buffer
	gate := NewLineGate(strings.NewReader("\n\n"), &out)
	ctx := context.Background()

	assert.True(t, gate.Next(ctx))
	require.NoError(t, gate.Pause(ctx))
	assert.Contains(t, out.String(), "Press ENTER to exit.")

	err := gate.Pause(ctx)
	assert.ErrorIs(t, err, io.EOF)

	idle, w := io.Pipe()
	defer w.Close()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewLineGate(idle, io.Discard).Pause(cancelled), context.Canceled)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Unprovisioned.canMoveTo(Provisioning))
	assert.True(t, Unprovisioned.canMoveTo(Provisioned))
	assert.True(t, Provisioning.canMoveTo(Terminating))
	assert.True(t, Running.canMoveTo(Terminating))
	assert.True(t, Terminating.canMoveTo(Terminated))
	assert.False(t, Unprovisioned.canMoveTo(Connecting))
	assert.False(t, Running.canMoveTo(Connected))
	assert.False(t, Terminated.canMoveTo(Terminating))
	assert.Equal(t, "running", Running.String())

	assert.True(t, ConnectionError.Invalidates())
	assert.True(t, RuntimeError.Invalidates())
	assert.False(t, ProvisioningError.Invalidates())
	assert.False(t, CredentialError.Invalidates())
}
