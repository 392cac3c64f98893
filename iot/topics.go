package iot

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Twin topics
const (
	TwinResponseTopicPrefix = "$iothub/twin/res/"
	TwinGetTopicPrefix      = "$iothub/twin/GET/"
	TwinReportedTopicPrefix = "$iothub/twin/PATCH/properties/reported/"
	TwinDesiredTopicPrefix  = "$iothub/twin/PATCH/properties/desired/"

	// TwinResponseFilter subscribes to all twin responses
	TwinResponseFilter = TwinResponseTopicPrefix + "#"
	// TwinDesiredFilter subscribes to all desired properties pushes
	TwinDesiredFilter = TwinDesiredTopicPrefix + "#"
)

// EventsTopicPrefix returns the prefix of the telemetry topics of deviceID
func EventsTopicPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// EventsTopic returns the telemetry topic of deviceID with the given properties
func EventsTopic(deviceID string, properties map[string]string) string {
	return EventsTopicPrefix(deviceID) + EncodePropertyBag(properties)
}

// EncodePropertyBag encodes properties sorted by key
func EncodePropertyBag(properties map[string]string) string {
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, escapeProperty(k)+"="+escapeProperty(properties[k]))
	}
	return strings.Join(pairs, "&")
}

// escapeProperty query-escapes s but keeps '$', which starts system property names
func escapeProperty(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "%24", "$")
}

// DecodePropertyBag decodes a property bag. A leading '?' is ignored.
func DecodePropertyBag(bag string) (map[string]string, error) {
	properties := map[string]string{}
	bag = strings.TrimPrefix(bag, "?")
	if bag == "" {
		return properties, nil
	}
	for _, pair := range strings.Split(bag, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("invalid property key %q: %w", k, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("invalid property value %q: %w", v, err)
		}
		properties[key] = value
	}
	return properties, nil
}

// ParseEventsTopic returns the properties of a telemetry topic of deviceID.
// ok is false if topic is not a telemetry topic of deviceID.
func ParseEventsTopic(deviceID, topic string) (properties map[string]string, ok bool, err error) {
	prefix := EventsTopicPrefix(deviceID)
	if !strings.HasPrefix(topic, prefix) {
		return nil, false, nil
	}
	properties, err = DecodePropertyBag(strings.TrimPrefix(topic, prefix))
	return properties, true, err
}

// TwinGetTopic returns the topic to request the twin
func TwinGetTopic(rid string) string {
	return TwinGetTopicPrefix + "?$rid=" + url.QueryEscape(rid)
}

// TwinReportedTopic returns the topic to patch reported properties
func TwinReportedTopic(rid string) string {
	return TwinReportedTopicPrefix + "?$rid=" + url.QueryEscape(rid)
}

// TwinResponseTopic returns the topic of a twin response. version is omitted if zero.
func TwinResponseTopic(status int, rid string, version int) string {
	topic := TwinResponseTopicPrefix + strconv.Itoa(status) + "/?$rid=" + url.QueryEscape(rid)
	if version > 0 {
		topic += "&$version=" + strconv.Itoa(version)
	}
	return topic
}

// TwinDesiredTopic returns the topic of a desired properties push
func TwinDesiredTopic(version int) string {
	return TwinDesiredTopicPrefix + "?$version=" + strconv.Itoa(version)
}

// TwinResponse is a parsed twin response topic
type TwinResponse struct {
	Status  int
	RID     string
	Version int
}

// ParseTwinResponseTopic parses a twin response topic
func ParseTwinResponseTopic(topic string) (*TwinResponse, error) {
	rest, ok := strings.CutPrefix(topic, TwinResponseTopicPrefix)
	if !ok {
		return nil, fmt.Errorf("not a twin response topic: %s", topic)
	}
	status, query, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("twin response without query: %s", topic)
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return nil, fmt.Errorf("invalid twin response status %q", status)
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("invalid twin response query: %w", err)
	}
	response := &TwinResponse{Status: code, RID: values.Get("$rid")}
	if v := values.Get("$version"); v != "" {
		if response.Version, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid twin version %q", v)
		}
	}
	return response, nil
}

// TwinRequestKind is the kind of a twin request sent by a device
type TwinRequestKind int

// All twin request kinds
const (
	TwinRequestUnknown TwinRequestKind = iota
	TwinRequestGet
	TwinRequestReported
)

// ParseTwinRequestTopic returns kind and request id of a twin request topic
func ParseTwinRequestTopic(topic string) (TwinRequestKind, string, error) {
	var kind TwinRequestKind
	var query string
	if q, ok := strings.CutPrefix(topic, TwinGetTopicPrefix); ok {
		kind, query = TwinRequestGet, q
	} else if q, ok := strings.CutPrefix(topic, TwinReportedTopicPrefix); ok {
		kind, query = TwinRequestReported, q
	} else {
		return TwinRequestUnknown, "", nil
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return kind, "", fmt.Errorf("invalid twin request query: %w", err)
	}
	rid := values.Get("$rid")
	if rid == "" {
		return kind, "", fmt.Errorf("twin request without $rid: %s", topic)
	}
	return kind, rid, nil
}

// ParseTwinDesiredTopic returns the version of a desired properties push
func ParseTwinDesiredTopic(topic string) (int, error) {
	query, ok := strings.CutPrefix(topic, TwinDesiredTopicPrefix)
	if !ok {
		return 0, fmt.Errorf("not a desired properties topic: %s", topic)
	}
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return 0, fmt.Errorf("invalid desired properties query: %w", err)
	}
	v := values.Get("$version")
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
