package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/twin"
	"github.com/relabs-tech/iotdemo/iot"
)

// APIVersion is sent with the MQTT user name
const APIVersion = "2021-04-12"

// ErrTimeout is returned when the hub does not answer in time
var ErrTimeout = errors.New("hub operation timed out")

// ErrClosed is returned for operations on a closed transport
var ErrClosed = errors.New("transport is closed")

// StatusError is returned when the hub answers a twin request with an error status
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub returned status %d: %s", e.Status, e.Body)
}

// MQTTOptions configures MQTT transports
type MQTTOptions struct {
	// BrokerURL overrides the broker. Defaults to ssl://{host name}:8883.
	BrokerURL string
	// Timeout limits every single operation. Defaults to 30 seconds.
	Timeout time.Duration
	// TokenTTL is the validity of the connect password. Defaults to one hour.
	TokenTTL time.Duration
	// TLSConfig is used for ssl:// brokers
	TLSConfig *tls.Config
}

type twinResponse struct {
	status int
	body   []byte
}

// MQTTTransport talks to the hub over MQTT
type MQTTTransport struct {
	cs      ConnectionString
	options MQTTOptions
	client  mqtt.Client

	mu      sync.Mutex
	pending map[string]chan twinResponse
	closed  bool

	// desiredVersion is the version of the last applied desired properties
	desiredVersion atomic.Int64
}

// MQTTDialer returns a Dialer for MQTT transports
func MQTTDialer(options MQTTOptions) Dialer {
	return func(cs ConnectionString) (Transport, error) {
		return NewMQTTTransport(cs, options)
	}
}

// NewMQTTTransport creates a transport. It does not connect yet.
func NewMQTTTransport(cs ConnectionString, options MQTTOptions) (*MQTTTransport, error) {
	if options.BrokerURL == "" {
		options.BrokerURL = "ssl://" + cs.HostName + ":8883"
	}
	if _, err := url.Parse(options.BrokerURL); err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	if options.Timeout <= 0 {
		options.Timeout = 30 * time.Second
	}
	if options.TokenTTL <= 0 {
		options.TokenTTL = time.Hour
	}
	if options.TLSConfig == nil {
		options.TLSConfig = &tls.Config{ServerName: cs.HostName, MinVersion: tls.VersionTLS12}
	}

	sas, err := access.NewSharedAccessSignature(cs.HostName+"/devices/"+cs.DeviceID, cs.SharedAccessKey, "", time.Now().Add(options.TokenTTL))
	if err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(options.BrokerURL).
		SetClientID(cs.DeviceID).
		SetUsername(cs.HostName + "/" + cs.DeviceID + "/?api-version=" + APIVersion).
		SetPassword(sas.String()).
		SetTLSConfig(options.TLSConfig).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(options.Timeout).
		SetOrderMatters(false)

	return &MQTTTransport{
		cs:      cs,
		options: options,
		client:  mqtt.NewClient(opts),
		pending: make(map[string]chan twinResponse),
	}, nil
}

func (t *MQTTTransport) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(t.options.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// Open connects to the broker and subscribes to twin responses
func (t *MQTTTransport) Open(ctx context.Context) error {
	if err := t.wait(ctx, t.client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", t.options.BrokerURL, err)
	}
	return t.wait(ctx, t.client.Subscribe(iot.TwinResponseFilter, 0, t.onTwinResponse))
}

func (t *MQTTTransport) onTwinResponse(_ mqtt.Client, msg mqtt.Message) {
	response, err := iot.ParseTwinResponseTopic(msg.Topic())
	if err != nil {
		logger.Default().WithError(err).Warnln("ignoring twin response")
		return
	}
	t.mu.Lock()
	ch, ok := t.pending[response.RID]
	delete(t.pending, response.RID)
	t.mu.Unlock()
	if ok {
		ch <- twinResponse{status: response.Status, body: msg.Payload()}
	}
}

// request publishes a twin request and waits for the response with the same request id
func (t *MQTTTransport) request(ctx context.Context, topic func(rid string) string, payload []byte) (*twinResponse, error) {
	rid := uuid.New().String()
	ch := make(chan twinResponse, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[rid] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, rid)
		t.mu.Unlock()
	}()

	if err := t.wait(ctx, t.client.Publish(topic(rid), 0, false, payload)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.options.Timeout)
	defer timer.Stop()
	select {
	case response := <-ch:
		if response.status < 200 || response.status > 299 {
			return nil, &StatusError{Status: response.status, Body: string(response.body)}
		}
		return &response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// GetTwin requests the full twin document
func (t *MQTTTransport) GetTwin(ctx context.Context) (*twin.Document, error) {
	response, err := t.request(ctx, iot.TwinGetTopic, []byte{})
	if err != nil {
		return nil, err
	}
	doc, err := twin.ParseDocument(response.body)
	if err != nil {
		return nil, err
	}
	t.desiredVersion.Store(int64(doc.DesiredVersion))
	return doc, nil
}

// UpdateReported patches the reported properties
func (t *MQTTTransport) UpdateReported(ctx context.Context, properties twin.Properties) error {
	body, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	_, err = t.request(ctx, iot.TwinReportedTopic, body)
	return err
}

// SendEvent publishes a telemetry message with QoS 1
func (t *MQTTTransport) SendEvent(ctx context.Context, event *Event) error {
	properties := make(map[string]string, len(event.Properties)+3)
	for k, v := range event.Properties {
		properties[k] = v
	}
	if event.MessageID != "" {
		properties[iot.PropertyMessageID] = event.MessageID
	}
	if event.ContentType != "" {
		properties[iot.PropertyContentType] = event.ContentType
	}
	if event.ContentEncoding != "" {
		properties[iot.PropertyContentEncoding] = event.ContentEncoding
	}
	return t.wait(ctx, t.client.Publish(iot.EventsTopic(t.cs.DeviceID, properties), 1, false, event.Payload))
}

// SubscribeDesired subscribes to desired properties pushes. Pushes with a version not
// newer than the last applied one are dropped; unversioned pushes are always delivered.
func (t *MQTTTransport) SubscribeDesired(ctx context.Context, handler func(twin.Properties)) error {
	return t.wait(ctx, t.client.Subscribe(iot.TwinDesiredFilter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		version, err := iot.ParseTwinDesiredTopic(msg.Topic())
		if err != nil {
			logger.Default().WithError(err).Warnln("ignoring desired properties")
			return
		}
		properties, payloadVersion, err := twin.ParseProperties(msg.Payload())
		if err != nil {
			logger.Default().WithError(err).Warnln("ignoring desired properties")
			return
		}
		if version == 0 {
			version = payloadVersion
		}
		if !t.advanceDesired(version) {
			logger.Default().Debugf("dropping stale desired properties version %d", version)
			return
		}
		handler(properties)
	}))
}

// advanceDesired records version as applied. It returns false if a newer or the same
// version was applied already.
func (t *MQTTTransport) advanceDesired(version int) bool {
	if version <= 0 {
		return true
	}
	for {
		last := t.desiredVersion.Load()
		if int64(version) <= last {
			return false
		}
		if t.desiredVersion.CompareAndSwap(last, int64(version)) {
			return true
		}
	}
}

// Close disconnects from the broker
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	return nil
}
