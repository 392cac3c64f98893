package agent

import "fmt"

// Kind classifies the errors which terminate the agent
type Kind int

// All error kinds
const (
	// CredentialError means required credentials are missing. Nothing was sent.
	CredentialError Kind = iota + 1
	// ProvisioningError means the provisioning service did not assign a hub
	ProvisioningError
	// ProvisioningTransportError means the provisioning service could not be used
	ProvisioningTransportError
	// ConnectionError means the hub connection could not be established
	ConnectionError
	// RuntimeError means a telemetry cycle failed
	RuntimeError
)

func (k Kind) String() string {
	switch k {
	case CredentialError:
		return "credential error"
	case ProvisioningError:
		return "provisioning error"
	case ProvisioningTransportError:
		return "provisioning transport error"
	case ConnectionError:
		return "connection error"
	case RuntimeError:
		return "runtime error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Invalidates returns true if errors of this kind delete the local settings,
// so that the next run provisions again
func (k Kind) Invalidates() bool {
	return k == ConnectionError || k == RuntimeError
}

// Error is returned by Agent.Run
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
