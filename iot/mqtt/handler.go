package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotdemo/core/access"
	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/iot"
	"github.com/relabs-tech/iotdemo/iot/registry"
	"github.com/relabs-tech/iotdemo/iot/routing"
	"github.com/relabs-tech/iotdemo/iot/twin"
)

// reply is a message the broker publishes in response to a device message
type reply struct {
	topic   string
	payload []byte
}

// handler holds the broker logic which does not depend on gmqtt
type handler struct {
	hostName string
	registry *registry.Registry
	store    twin.Store
	sink     routing.Sink
	now      func() time.Time
}

// authenticate checks the MQTT credentials of a device. The user name is
// {host}/{device_id}/?api-version=..., the password a shared access signature
// for {host}/devices/{device_id} signed with the device key.
func (h *handler) authenticate(clientID, username, password string) error {
	device, ok := h.registry.Device(clientID)
	if !ok {
		return fmt.Errorf("device %s is not registered", clientID)
	}
	if !strings.HasPrefix(username, h.hostName+"/"+clientID+"/") {
		return fmt.Errorf("user name %q does not match device %s", username, clientID)
	}
	sas, err := access.ParseSharedAccessSignature(password)
	if err != nil {
		return err
	}
	if sas.Resource != h.hostName+"/devices/"+clientID {
		return fmt.Errorf("signature for wrong resource %s", sas.Resource)
	}
	return sas.Verify(device.Key, h.now())
}

// allowSubscribe returns true for the topics a device may subscribe to
func (h *handler) allowSubscribe(topic string) bool {
	return topic == iot.TwinResponseFilter || topic == iot.TwinDesiredFilter
}

// handle processes a message published by deviceID. It returns the replies to publish
// and whether the message shall be passed on to other subscribers.
func (h *handler) handle(ctx context.Context, deviceID, topic string, payload []byte) ([]reply, bool) {
	rlog := logger.FromContext(ctx)

	kind, rid, err := iot.ParseTwinRequestTopic(topic)
	if err != nil {
		rlog.WithError(err).Warnln("invalid twin request")
		return nil, false
	}
	switch kind {
	case iot.TwinRequestGet:
		t, err := h.store.Get(ctx, deviceID)
		if errors.Is(err, twin.ErrNotFound) {
			t, err = twin.NewTwin(deviceID), nil
		}
		if err != nil {
			rlog.WithError(err).Errorln("Error 4713")
			return []reply{errorReply(http.StatusInternalServerError, rid, err)}, false
		}
		doc, err := t.Document()
		if err != nil {
			rlog.WithError(err).Errorln("Error 4714")
			return []reply{errorReply(http.StatusInternalServerError, rid, err)}, false
		}
		return []reply{{topic: iot.TwinResponseTopic(http.StatusOK, rid, 0), payload: doc}}, false

	case iot.TwinRequestReported:
		t, err := h.store.UpdateReported(ctx, deviceID, payload)
		if err != nil {
			rlog.WithError(err).Warnln("cannot update reported properties")
			return []reply{errorReply(http.StatusBadRequest, rid, err)}, false
		}
		rlog.Debugf("reported properties version %d", t.ReportedVersion)
		return []reply{{topic: iot.TwinResponseTopic(http.StatusNoContent, rid, t.ReportedVersion), payload: []byte{}}}, false
	}

	properties, ok, err := iot.ParseEventsTopic(deviceID, topic)
	if !ok {
		rlog.Warnf("device published on foreign topic %s", topic)
		return nil, false
	}
	if err != nil {
		rlog.WithError(err).Warnln("invalid property bag")
		return nil, false
	}
	m := &routing.Message{
		DeviceID:   deviceID,
		Properties: properties,
		Payload:    payload,
		ReceivedAt: h.now().UTC(),
	}
	if err := h.sink.Route(ctx, m); err != nil {
		rlog.WithError(err).Errorln("cannot route telemetry")
	}
	return nil, true
}

func errorReply(status int, rid string, err error) reply {
	payload, _ := json.Marshal(map[string]string{"message": err.Error()})
	return reply{topic: iot.TwinResponseTopic(status, rid, 0), payload: payload}
}
