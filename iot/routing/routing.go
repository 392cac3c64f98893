// Package routing forwards device telemetry received by the hub to its consumers.
package routing

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/iotdemo/core/logger"
)

// Message is a telemetry message of a device
type Message struct {
	DeviceID   string
	Properties map[string]string
	Payload    []byte
	ReceivedAt time.Time
}

// Sink consumes telemetry
type Sink interface {
	Route(ctx context.Context, m *Message) error
	Close() error
}

// LogSink logs every message
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink returns a sink which logs to the default logger
func NewLogSink() *LogSink {
	return &LogSink{log: logger.Default().WithField("sink", "log")}
}

// Route implements Sink
func (s *LogSink) Route(ctx context.Context, m *Message) error {
	s.log.WithFields(logrus.Fields{
		"device_id":  m.DeviceID,
		"properties": m.Properties,
	}).Infof("telemetry %s", m.Payload)
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }

// Multi routes every message to all sinks
type Multi []Sink

// Route implements Sink. All sinks are tried, errors are joined.
func (m Multi) Route(ctx context.Context, msg *Message) error {
	var errs []error
	for _, s := range m {
		if err := s.Route(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
