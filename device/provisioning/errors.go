package provisioning

import "fmt"

// StatusError is returned when the service finished a registration with any
// status other than assigned. Payload is the response as received.
type StatusError struct {
	Status  Status
	Payload string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected provisioning status %q", e.Status)
}

// TransportError is returned when the service could not be reached, refused
// the credentials or answered something which is not a registration operation.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "provisioning transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
