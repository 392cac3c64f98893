// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/logger"
	dps "github.com/relabs-tech/iotdemo/device/provisioning"
	"github.com/relabs-tech/iotdemo/iot/registry"
)

// API is the simulated provisioning service
type API struct {
	registry       *registry.Registry
	hubHostName    string
	idScope        string
	assigningPolls int
	retryAfter     int

	mu         sync.Mutex
	operations map[string]*operation
}

type operation struct {
	registrationID string
	deviceKey      string
	remainingPolls int
	result         *dps.Operation
}

// Builder is a builder helper for the API
type Builder struct {
	// Registry holds the enrollments and receives the registered devices. This is mandatory.
	Registry *registry.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// HubHostName is the hub devices are assigned to. This is mandatory.
	HubHostName string
	// IDScope restricts the service to a single id scope. Any scope is accepted if empty.
	IDScope string
	// AssigningPolls is the number of status queries answered with "assigning"
	// before a registration is assigned.
	AssigningPolls int
	// RetryAfter is the value in seconds of the Retry-After header sent with
	// assigning operations. No header is sent if zero.
	RetryAfter int
}

// NewAPI realizes the provisioning service and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	if len(b.HubHostName) == 0 {
		panic("hub host name is missing")
	}

	a := &API{
		registry:       b.Registry,
		hubHostName:    b.HubHostName,
		idScope:        b.IDScope,
		assigningPolls: b.AssigningPolls,
		retryAfter:     b.RetryAfter,
		operations:     make(map[string]*operation),
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("provisioning: handle route /{id_scope}/registrations/{registration_id}/register PUT")
	router.HandleFunc("/{id_scope}/registrations/{registration_id}/register", a.register).Methods(http.MethodPut)

	logger.Default().Debugln("provisioning: handle route /{id_scope}/registrations/{registration_id}/operations/{operation_id} GET")
	router.HandleFunc("/{id_scope}/registrations/{registration_id}/operations/{operation_id}", a.operationStatus).Methods(http.MethodGet)
}

// authorize verifies the shared access signature of the request and returns the
// matching enrollment and the device key
func (a *API) authorize(w http.ResponseWriter, r *http.Request) (registry.Enrollment, string, bool) {
	vars := mux.Vars(r)
	idScope, registrationID := vars["id_scope"], vars["registration_id"]
	rlog := logger.FromContext(r.Context()).WithField("registration_id", registrationID)

	if a.idScope != "" && idScope != a.idScope {
		http.Error(w, "unknown id scope", http.StatusNotFound)
		return registry.Enrollment{}, "", false
	}

	sas, err := access.ParseSharedAccessSignature(r.Header.Get("Authorization"))
	if err != nil {
		rlog.WithError(err).Infoln("rejected registration")
		http.Error(w, "missing or invalid authorization", http.StatusUnauthorized)
		return registry.Enrollment{}, "", false
	}
	if sas.Resource != dps.SignatureResource(idScope, registrationID) {
		http.Error(w, "signature was issued for another resource", http.StatusUnauthorized)
		return registry.Enrollment{}, "", false
	}
	enrollment, key, err := a.registry.Attest(registrationID, sas, time.Now())
	if err != nil {
		rlog.WithError(err).Infoln("rejected registration")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return registry.Enrollment{}, "", false
	}
	return enrollment, key, true
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	enrollment, key, ok := a.authorize(w, r)
	if !ok {
		return
	}
	registrationID := mux.Vars(r)["registration_id"]

	var request dps.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid registration request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if request.RegistrationID != registrationID {
		http.Error(w, "registration id does not match the route", http.StatusBadRequest)
		return
	}

	op := &operation{
		registrationID: registrationID,
		deviceKey:      key,
		remainingPolls: a.assigningPolls,
	}
	id := fmt.Sprintf("4.%x.%s", time.Now().UnixNano(), uuid.New())
	if enrollment.Disabled {
		op.result = &dps.Operation{
			OperationID: id,
			Status:      dps.StatusDisabled,
			RegistrationState: &dps.RegistrationState{
				RegistrationID: registrationID,
				Status:         dps.StatusDisabled,
			},
		}
	}

	a.mu.Lock()
	a.operations[id] = op
	a.mu.Unlock()

	logger.FromContext(r.Context()).Infof("registration %s of %s", id, registrationID)
	a.respond(w, id, op)
}

func (a *API) operationStatus(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := a.authorize(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	id := vars["operation_id"]

	a.mu.Lock()
	op, ok := a.operations[id]
	if ok && op.result == nil {
		op.remainingPolls--
	}
	a.mu.Unlock()

	if !ok || op.registrationID != vars["registration_id"] {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	a.respond(w, id, op)
}

// respond writes the operation. It assigns the device once no polls remain. Finished
// operations are answered once and then forgotten.
func (a *API) respond(w http.ResponseWriter, id string, op *operation) {
	a.mu.Lock()
	if op.result == nil && op.remainingPolls <= 0 {
		err := a.registry.Register(registry.Device{
			DeviceID:   op.registrationID,
			Key:        op.deviceKey,
			Hub:        a.hubHostName,
			Registered: time.Now().UTC(),
		})
		if err != nil {
			a.mu.Unlock()
			logger.Default().WithError(err).Errorln("Error 4721")
			http.Error(w, "Error 4721", http.StatusInternalServerError)
			return
		}
		op.result = &dps.Operation{
			OperationID: id,
			Status:      dps.StatusAssigned,
			RegistrationState: &dps.RegistrationState{
				RegistrationID: op.registrationID,
				AssignedHub:    a.hubHostName,
				DeviceID:       op.registrationID,
				Status:         dps.StatusAssigned,
			},
		}
	}
	body := op.result
	if body == nil {
		body = &dps.Operation{OperationID: id, Status: dps.StatusAssigning}
	} else {
		delete(a.operations, id)
	}
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	status := http.StatusOK
	if body.Status == dps.StatusAssigning {
		status = http.StatusAccepted
		if a.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(a.retryAfter))
		}
	}
	j, _ := json.Marshal(body)
	w.WriteHeader(status)
	w.Write(j)
}
