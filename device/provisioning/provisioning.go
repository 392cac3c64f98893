package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/client"
	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/config"
)

// GlobalEndpoint is the well-known global provisioning endpoint
const GlobalEndpoint = "https://global.azure-devices-provisioning.net"

// APIVersion is the api-version query parameter sent with every request
const APIVersion = "2019-03-31"

// KeyName is the key name of registration signatures
const KeyName = "registration"

// Status is the status of a registration
type Status string

// All registration statuses. Only assigning is not terminal.
const (
	StatusUnassigned Status = "unassigned"
	StatusAssigning  Status = "assigning"
	StatusAssigned   Status = "assigned"
	StatusFailed     Status = "failed"
	StatusDisabled   Status = "disabled"
)

// RegistrationRequest is the body of a register call
type RegistrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// RegistrationState is the outcome of a registration
type RegistrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	Status         Status `json:"status"`
	Substatus      string `json:"substatus,omitempty"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// Operation is returned by the register call and by operation status queries
type Operation struct {
	OperationID       string             `json:"operationId"`
	Status            Status             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// Result is the result of a successful provisioning
type Result struct {
	Status      Status
	AssignedHub string
	DeviceID    string
	// RawPayload is the final response of the service as received
	RawPayload string
}

// RegistrationPath returns the path of a registration below the endpoint
func RegistrationPath(idScope, registrationID string) string {
	return "/" + url.PathEscape(idScope) + "/registrations/" + url.PathEscape(registrationID)
}

// SignatureResource returns the resource registration signatures are issued for
func SignatureResource(idScope, registrationID string) string {
	return idScope + "/registrations/" + registrationID
}

// Client registers devices with the provisioning service
type Client struct {
	client       client.Client
	pollInterval time.Duration
	maxPolls     int
	tokenTTL     time.Duration
}

// Builder is a builder helper for the Client
type Builder struct {
	// Endpoint is the base URL of the provisioning service. Defaults to GlobalEndpoint.
	Endpoint string
	// Client is optional and replaces the HTTP client built from Endpoint, e.g. with
	// a client which talks to an in-process router.
	Client *client.Client
	// PollInterval is used while a registration is assigning and the service
	// does not send a Retry-After header. Defaults to 3 seconds.
	PollInterval time.Duration
	// MaxPolls limits the number of status queries. Defaults to 20.
	MaxPolls int
	// TokenTTL is the validity of the registration signature. Defaults to one hour.
	TokenTTL time.Duration
}

// New returns a new provisioning client
func New(b *Builder) *Client {
	c := &Client{
		pollInterval: b.PollInterval,
		maxPolls:     b.MaxPolls,
		tokenTTL:     b.TokenTTL,
	}
	if b.Client != nil {
		c.client = *b.Client
	} else {
		endpoint := b.Endpoint
		if endpoint == "" {
			endpoint = GlobalEndpoint
		}
		c.client = client.NewWithURL(endpoint)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 3 * time.Second
	}
	if c.maxPolls <= 0 {
		c.maxPolls = 20
	}
	if c.tokenTTL <= 0 {
		c.tokenTTL = time.Hour
	}
	return c
}

// Provision registers the device and blocks until the registration reached a
// terminal status. It returns a *StatusError if that status is not assigned,
// and a *TransportError for network, authentication or protocol failures.
func (c *Client) Provision(ctx context.Context, creds config.Credentials) (*Result, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx)
	rlog.Infoln("Connecting to provisioning service using a symmetric key")

	sas, err := access.NewSharedAccessSignature(
		SignatureResource(creds.IDScope, creds.DeviceID), creds.Key, KeyName, time.Now().Add(c.tokenTTL))
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	cl := c.client.WithContext(ctx).WithHeader("Authorization", sas.String())
	path := RegistrationPath(creds.IDScope, creds.DeviceID)

	var raw []byte
	_, header, err := cl.RawPutWithHeader(path+"/register?api-version="+APIVersion, nil,
		RegistrationRequest{RegistrationID: creds.DeviceID}, &raw)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	op, err := decodeOperation(raw)
	if err != nil {
		return nil, err
	}

	for polls := 0; op.Status == StatusAssigning; polls++ {
		if polls >= c.maxPolls {
			return nil, &TransportError{Err: fmt.Errorf("registration still assigning after %d status queries", polls)}
		}
		if err := sleep(ctx, retryAfter(header, c.pollInterval)); err != nil {
			return nil, &TransportError{Err: err}
		}
		raw = nil
		_, header, err = cl.RawGetWithHeader(path+"/operations/"+url.PathEscape(op.OperationID)+"?api-version="+APIVersion, nil, &raw)
		if err != nil {
			return nil, &TransportError{Err: err}
		}
		if op, err = decodeOperation(raw); err != nil {
			return nil, err
		}
	}

	status := op.Status
	if op.RegistrationState != nil && op.RegistrationState.Status != "" {
		status = op.RegistrationState.Status
	}
	rlog.Infof("Provisioning returned %s", status)

	if status != StatusAssigned || op.RegistrationState == nil || op.RegistrationState.AssignedHub == "" {
		return nil, &StatusError{Status: status, Payload: string(raw)}
	}
	return &Result{
		Status:      status,
		AssignedHub: op.RegistrationState.AssignedHub,
		DeviceID:    op.RegistrationState.DeviceID,
		RawPayload:  string(raw),
	}, nil
}

func decodeOperation(raw []byte) (*Operation, error) {
	op := &Operation{}
	if err := json.Unmarshal(raw, op); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("cannot decode provisioning response: %w", err)}
	}
	return op, nil
}

// retryAfter returns the Retry-After header in seconds, or fallback
func retryAfter(header http.Header, fallback time.Duration) time.Duration {
	if header == nil {
		return fallback
	}
	seconds, err := strconv.Atoi(header.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
