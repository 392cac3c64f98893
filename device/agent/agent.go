/*Package agent runs the device: it provisions the device if necessary, connects to the
assigned hub and runs telemetry cycles until the operator or a signal stops it.

Every failure terminates the agent. Connection and runtime failures also delete the local
settings, so that the next run provisions the device from scratch. The hub connection is
released on every path.
*/
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/config"
	"github.com/relabs-tech/iotdemo/device/hub"
	"github.com/relabs-tech/iotdemo/device/provisioning"
	"github.com/relabs-tech/iotdemo/device/settings"
)

// Provisioner registers the device with the provisioning service
type Provisioner interface {
	Provision(ctx context.Context, creds config.Credentials) (*provisioning.Result, error)
}

// Connector opens the hub connection
type Connector interface {
	Connect(ctx context.Context, endpoint, deviceID, key string) (*hub.Context, error)
}

// Cycler runs one telemetry cycle
type Cycler interface {
	RunCycle(ctx context.Context, c *hub.Context) error
}

// Agent is the device agent
type Agent struct {
	creds       config.Credentials
	settings    *settings.Store
	provisioner Provisioner
	connector   Connector
	loop        Cycler
	gate        Gate

	state   State
	history []State
}

// Builder is a builder helper for the Agent. All fields are mandatory.
type Builder struct {
	Credentials config.Credentials
	Settings    *settings.Store
	Provisioner Provisioner
	Connector   Connector
	Loop        Cycler
	Gate        Gate
}

// New returns a new agent
func New(b *Builder) *Agent {
	if b.Settings == nil {
		panic("Settings is missing")
	}
	if b.Provisioner == nil {
		panic("Provisioner is missing")
	}
	if b.Connector == nil {
		panic("Connector is missing")
	}
	if b.Loop == nil {
		panic("Loop is missing")
	}
	if b.Gate == nil {
		panic("Gate is missing")
	}
	return &Agent{
		creds:       b.Credentials,
		settings:    b.Settings,
		provisioner: b.Provisioner,
		connector:   b.Connector,
		loop:        b.Loop,
		gate:        b.Gate,
		state:       Unprovisioned,
		history:     []State{Unprovisioned},
	}
}

// State returns the current state
func (a *Agent) State() State {
	return a.state
}

func (a *Agent) transition(to State) {
	if !a.state.canMoveTo(to) {
		panic(fmt.Sprintf("illegal agent transition from %s to %s", a.state, to))
	}
	a.state = to
	a.history = append(a.history, to)
}

// terminate moves to Terminating and deletes the local settings if kind demands it
func (a *Agent) terminate(ctx context.Context, kind Kind, err error) error {
	rlog := logger.FromContext(ctx)
	rlog.WithError(err).Errorf("%s", kind)
	a.transition(Terminating)
	if kind.Invalidates() {
		rlog.Infoln("Removing local settings. Please restart the app.")
		if ierr := a.settings.Invalidate(); ierr != nil {
			rlog.WithError(ierr).Errorln("cannot remove local settings")
		}
	}
	return &Error{Kind: kind, Err: err}
}

// Run runs the agent until the gate stops it, ctx is cancelled or an error occurs.
// Errors are of type *Error. Cancelling ctx is a normal stop.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		if a.state != Terminating {
			a.transition(Terminating)
		}
		a.transition(Terminated)
	}()

	if err := a.creds.Validate(); err != nil {
		return a.terminate(ctx, CredentialError, err)
	}
	ctx, rlog := logger.ContextWithLoggerDevice(ctx, a.creds.DeviceID)

	s := a.settings.Load()
	if !s.IsProvisioned() {
		a.transition(Provisioning)
		result, err := a.provisioner.Provision(ctx, a.creds)
		if err != nil {
			var statusErr *provisioning.StatusError
			if errors.As(err, &statusErr) {
				rlog.Infof("Unexpected result: %s", statusErr.Payload)
				return a.terminate(ctx, ProvisioningError, err)
			}
			return a.terminate(ctx, ProvisioningTransportError, err)
		}
		s = settings.Settings{IotHubEndpoint: result.AssignedHub, DeviceID: result.DeviceID}
		rlog.Infof("Assigned to hub %s as %s, saving in local settings", s.IotHubEndpoint, s.DeviceID)
		if err := a.settings.Save(s); err != nil {
			return a.terminate(ctx, ProvisioningError, fmt.Errorf("cannot save settings: %w", err))
		}
	}
	a.transition(Provisioned)

	deviceID := s.DeviceID
	if deviceID == "" {
		deviceID = a.creds.DeviceID
	}

	a.transition(Connecting)
	hctx, err := a.connector.Connect(ctx, s.IotHubEndpoint, deviceID, a.creds.Key)
	defer func() {
		if hctx != nil {
			rlog.Infoln("Closing connection")
			if cerr := hctx.Close(); cerr != nil {
				rlog.WithError(cerr).Warnln("closing connection")
			}
		}
	}()
	if err != nil {
		return a.terminate(ctx, ConnectionError, err)
	}
	a.transition(Connected)

	a.transition(Running)
	for {
		if err := a.loop.RunCycle(ctx, hctx); err != nil {
			return a.terminate(ctx, RuntimeError, err)
		}
		if ctx.Err() != nil || !a.gate.Next(ctx) {
			break
		}
	}
	rlog.Infoln("Stopping")
	a.transition(Terminating)
	return nil
}
