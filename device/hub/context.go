package hub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/twin"
)

// MessageIDKey is the reported property holding the message counter
const MessageIDKey = "messageId"

// Subscription delivers desired properties to a handler until cancelled
type Subscription struct {
	mu        sync.RWMutex
	handler   func(twin.Properties)
	cancelled bool
}

func newSubscription(handler func(twin.Properties)) *Subscription {
	return &Subscription{handler: handler}
}

func (s *Subscription) deliver(p twin.Properties) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cancelled {
		return
	}
	s.handler(p)
}

// Cancel stops the delivery. It waits for a running delivery to finish; once Cancel
// returned, the handler is not called anymore.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

// Context is an open connection to the hub
type Context struct {
	// Desired holds the current desired properties
	Desired *twin.Cell
	// MessageID is the id of the next telemetry message
	MessageID int
	// Rand is the random source of the telemetry loop
	Rand *rand.Rand

	deviceID     string
	transport    Transport
	subscription *Subscription

	closeOnce sync.Once
	closeErr  error
}

// DeviceID returns the id of the connected device
func (c *Context) DeviceID() string {
	return c.deviceID
}

// SendEvent sends a telemetry message
func (c *Context) SendEvent(ctx context.Context, event *Event) error {
	return c.transport.SendEvent(ctx, event)
}

// UpdateReported patches the reported properties
func (c *Context) UpdateReported(ctx context.Context, properties twin.Properties) error {
	return c.transport.UpdateReported(ctx, properties)
}

// Close cancels the desired properties subscription and releases the transport.
// It is safe to call Close more than once and on a nil Context; the transport is
// closed exactly once.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		if c.subscription != nil {
			c.subscription.Cancel()
		}
		if c.transport != nil {
			c.closeErr = c.transport.Close()
		}
	})
	return c.closeErr
}

// Manager creates connections
type Manager struct {
	dial Dialer
	seed func() int64
}

// NewManager returns a manager which creates transports with dial
func NewManager(dial Dialer) *Manager {
	return &Manager{
		dial: dial,
		seed: func() int64 { return time.Now().UnixNano() },
	}
}

// Connect opens the connection to the hub at endpoint, fetches the twin and
// subscribes to desired properties changes. The message counter starts at the
// reported message id, or at 1 if the device never reported one.
//
// If Connect fails after the transport was created, it returns the partial
// Context together with the error. The caller must close it in either case.
func (m *Manager) Connect(ctx context.Context, endpoint, deviceID, key string) (*Context, error) {
	rlog := logger.FromContext(ctx)

	cs := ConnectionString{HostName: endpoint, DeviceID: deviceID, SharedAccessKey: key}
	transport, err := m.dial(cs)
	if err != nil {
		return nil, fmt.Errorf("cannot create transport: %w", err)
	}
	c := &Context{
		deviceID:  deviceID,
		transport: transport,
		Desired:   twin.NewCell(nil),
		Rand:      rand.New(rand.NewSource(m.seed())),
	}

	rlog.Infof("Connecting to hub %s", endpoint)
	if err := transport.Open(ctx); err != nil {
		return c, fmt.Errorf("cannot open connection: %w", err)
	}

	doc, err := transport.GetTwin(ctx)
	if err != nil {
		return c, fmt.Errorf("cannot get twin: %w", err)
	}
	c.Desired.Replace(doc.Desired)
	rlog.WithField("desired", doc.Desired).WithField("reported", doc.Reported).Infoln("Received device twin")

	c.subscription = newSubscription(func(p twin.Properties) {
		rlog.Infof("Received an update of desired properties, %s was %v and will be %v",
			"maxMessages", c.Desired.Load()["maxMessages"], p["maxMessages"])
		c.Desired.Replace(p)
	})
	if err := transport.SubscribeDesired(ctx, c.subscription.deliver); err != nil {
		return c, fmt.Errorf("cannot subscribe to desired properties: %w", err)
	}

	c.MessageID = 1
	if _, ok := doc.Reported[MessageIDKey]; ok {
		id, err := doc.Reported.Int(MessageIDKey)
		if err != nil || id < 0 {
			return c, fmt.Errorf("invalid reported %s: %v", MessageIDKey, doc.Reported[MessageIDKey])
		}
		c.MessageID = id
	}
	rlog.Infof("Connected, next message id is %d", c.MessageID)
	return c, nil
}
