/*Package hub manages the connection of a device to its hub

Connect opens the transport, fetches the twin and subscribes to desired properties
changes. The returned Context exclusively owns the transport. It must be closed on
every exit path, including when Connect failed after the transport was created.
*/
package hub

import (
	"context"

	"github.com/relabs-tech/iotdemo/device/twin"
)

// ConnectionString describes the connection of a device to a hub
type ConnectionString struct {
	HostName        string
	DeviceID        string
	SharedAccessKey string
}

// String returns the connection string in its canonical form
func (c ConnectionString) String() string {
	return "HostName=" + c.HostName + ";DeviceId=" + c.DeviceID + ";SharedAccessKey=" + c.SharedAccessKey
}

// Event is a device to cloud message
type Event struct {
	MessageID       string
	ContentType     string
	ContentEncoding string
	// Properties are application properties
	Properties map[string]string
	Payload    []byte
}

// Transport is the connection to the hub. Implementations need not be safe
// for concurrent use except that the desired properties handler may run
// concurrently with any other call.
type Transport interface {
	Open(ctx context.Context) error
	GetTwin(ctx context.Context) (*twin.Document, error)
	SendEvent(ctx context.Context, event *Event) error
	UpdateReported(ctx context.Context, properties twin.Properties) error
	// SubscribeDesired registers handler for desired properties pushes. The handler
	// receives the pushed properties without metadata.
	SubscribeDesired(ctx context.Context, handler func(twin.Properties)) error
	Close() error
}

// Dialer creates a transport for a connection string. It must not do any network I/O.
type Dialer func(ConnectionString) (Transport, error)
