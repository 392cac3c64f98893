// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package twin

import (
	"embed"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/core/schema"
	"github.com/relabs-tech/iotdemo/iot"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// DesiredSchemaID is the id of the schema desired properties are validated against
const DesiredSchemaID = "desired"

// API is the RESTful interface for the device twin
type API struct {
	store     Store
	publisher iot.MessagePublisher
	validator *schema.Validator
}

// Builder is a builder helper for the API
type Builder struct {
	// Store keeps the twins. This is mandatory.
	Store Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Publisher pushes desired properties to devices. Optional.
	Publisher iot.MessagePublisher
	// Validator validates desired properties with the schema DesiredSchemaID.
	// Defaults to the built-in schema.
	Validator *schema.Validator
}

// NewAPI realizes the twin api and adds its routes to the router
func NewAPI(b *Builder) *API {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	validator := b.Validator
	if validator == nil {
		var err error
		validator, err = schema.NewValidatorFromFS(schemaFS, "schemas")
		if err != nil {
			panic(err)
		}
	}
	if !validator.HasSchema(DesiredSchemaID) {
		panic("validator has no schema " + DesiredSchemaID)
	}

	a := &API{
		store:     b.Store,
		publisher: b.Publisher,
		validator: validator,
	}
	a.handleRoutes(b.Router)
	return a
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	jsonData, _ := json.MarshalIndent(data, "", " ")
	w.Write(jsonData)
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("twin: handle route /devices/{device_id}/twin GET")
	rlog.Debugln("twin: handle route /devices/{device_id}/twin/desired GET,PUT,PATCH")
	rlog.Debugln("twin: handle route /devices/{device_id}/twin/reported GET")

	router.HandleFunc("/devices/{device_id}/twin", func(w http.ResponseWriter, r *http.Request) {
		t, ok := a.get(w, r)
		if !ok {
			return
		}
		writeJSON(w, t)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/desired", func(w http.ResponseWriter, r *http.Request) {
		t, ok := a.get(w, r)
		if !ok {
			return
		}
		writeJSON(w, t.Desired)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/reported", func(w http.ResponseWriter, r *http.Request) {
		t, ok := a.get(w, r)
		if !ok {
			return
		}
		writeJSON(w, t.Reported)
	}).Methods(http.MethodGet)

	router.HandleFunc("/devices/{device_id}/twin/desired", a.updateDesired).Methods(http.MethodPut, http.MethodPatch)
}

func (a *API) get(w http.ResponseWriter, r *http.Request) (*Twin, bool) {
	deviceID := mux.Vars(r)["device_id"]
	t, err := a.store.Get(r.Context(), deviceID)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, "no such twin", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4711")
		http.Error(w, "Error 4711", http.StatusInternalServerError)
		return nil, false
	}
	return t, true
}

func (a *API) updateDesired(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	deviceID := mux.Vars(r)["device_id"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	replace := r.Method == http.MethodPut
	if replace {
		if err := a.validator.ValidateBytes(body, DesiredSchemaID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		// validate the result of the patch before it is stored
		current := []byte(`{}`)
		if t, err := a.store.Get(r.Context(), deviceID); err == nil {
			current = t.Desired
		}
		merged, err := Merge(current, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.validator.ValidateBytes(merged, DesiredSchemaID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	t, err := a.store.UpdateDesired(r.Context(), deviceID, body, replace)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rlog.WithField("device_id", deviceID).Infof("desired properties version %d", t.DesiredVersion)

	if a.publisher != nil {
		payload, err := WithVersion(t.Desired, t.DesiredVersion)
		if err != nil {
			rlog.WithError(err).Errorln("Error 4712")
		} else {
			a.publisher.PublishMessageQ1(iot.TwinDesiredTopic(t.DesiredVersion), payload)
		}
	}
	writeJSON(w, t)
}
