/*Package registry keeps the enrollments of the simulated provisioning service and the
device identities of the simulated hub.

Enrollments come in two flavours. An individual enrollment knows the key of exactly one
registration id. A group enrollment knows a group key; the key of any registration id
in the group is derived from it with access.DeriveDeviceKey. A device which attested
successfully is registered as a hub identity, and the hub authenticates it with the
same key. Hub identities are kept in memory and, if the registry was created with
NewWithStore, also in a DeviceStore such as a core/registry accessor.

Enrollments can be given as a string, for example in an environment variable:

	individual:sensor-1:c2VjcmV0;group:factory:Z3JvdXBrZXk=:disabled

*/
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/logger"
)

// ErrNotEnrolled is returned when no enrollment accepts a registration
var ErrNotEnrolled = errors.New("registration is not enrolled")

// Enrollment is an individual or a group enrollment
type Enrollment struct {
	// Group is true for group enrollments
	Group bool
	// ID is the registration id of an individual enrollment or the name of a group
	ID       string
	Key      string
	Disabled bool
}

// Device is a hub identity
type Device struct {
	DeviceID   string
	Key        string
	Hub        string
	Registered time.Time
}

// DeviceStore persists hub identities. Read returns a zero time if key does not exist.
type DeviceStore interface {
	Read(key string, value interface{}) (time.Time, error)
	Write(key string, value interface{}) error
}

// Registry is safe for concurrent use
type Registry struct {
	mu          sync.RWMutex
	individuals map[string]Enrollment
	groups      []Enrollment
	devices     map[string]Device
	store       DeviceStore
}

// New returns an empty registry
func New() *Registry {
	return &Registry{
		individuals: make(map[string]Enrollment),
		devices:     make(map[string]Device),
	}
}

// NewWithStore returns an empty registry which persists hub identities in store
func NewWithStore(store DeviceStore) *Registry {
	r := New()
	r.store = store
	return r
}

// AddEnrollment adds or replaces an enrollment
func (r *Registry) AddEnrollment(e Enrollment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !e.Group {
		r.individuals[e.ID] = e
		return
	}
	for i := range r.groups {
		if r.groups[i].ID == e.ID {
			r.groups[i] = e
			return
		}
	}
	r.groups = append(r.groups, e)
}

// Attest finds the enrollment whose key produced the signature for registrationID.
// It returns the enrollment and the device key.
func (r *Registry) Attest(registrationID string, sas *access.SharedAccessSignature, now time.Time) (Enrollment, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.individuals[registrationID]; ok {
		if err := sas.Verify(e.Key, now); err != nil {
			return Enrollment{}, "", err
		}
		return e, e.Key, nil
	}

	for _, g := range r.groups {
		key, err := access.DeriveDeviceKey(g.Key, registrationID)
		if err != nil {
			continue
		}
		if sas.Verify(key, now) == nil {
			return g, key, nil
		}
	}
	return Enrollment{}, "", ErrNotEnrolled
}

// Register adds or replaces a hub identity
func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Write(d.DeviceID, d); err != nil {
			return err
		}
	}
	r.devices[d.DeviceID] = d
	return nil
}

// Device returns the hub identity of deviceID
func (r *Registry) Device(deviceID string) (Device, bool) {
	r.mu.RLock()
	d, ok := r.devices[deviceID]
	r.mu.RUnlock()
	if ok || r.store == nil {
		return d, ok
	}

	written, err := r.store.Read(deviceID, &d)
	if err != nil {
		logger.Default().WithError(err).Errorf("cannot read device %s", deviceID)
		return Device{}, false
	}
	if written.IsZero() {
		return Device{}, false
	}
	r.mu.Lock()
	r.devices[deviceID] = d
	r.mu.Unlock()
	return d, true
}

// ParseEnrollments parses enrollments in the form
// kind:id:key[:disabled] separated by semicolons, where kind is individual or group.
func ParseEnrollments(s string) ([]Enrollment, error) {
	var enrollments []Enrollment
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 3 || len(parts) > 4 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid enrollment %q", entry)
		}
		e := Enrollment{ID: parts[1], Key: parts[2]}
		switch parts[0] {
		case "individual":
		case "group":
			e.Group = true
		default:
			return nil, fmt.Errorf("invalid enrollment kind %q", parts[0])
		}
		if len(parts) == 4 {
			if parts[3] != "disabled" {
				return nil, fmt.Errorf("invalid enrollment flag %q", parts[3])
			}
			e.Disabled = true
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, nil
}
