// Package telemetry sends simulated sensor readings to the hub.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/iotdemo/core/logger"
	"github.com/relabs-tech/iotdemo/device/hub"
	"github.com/relabs-tech/iotdemo/device/twin"
)

// MaxMessagesKey is the desired property with the number of messages per cycle
const MaxMessagesKey = "maxMessages"

// AlertThreshold is the temperature above which a message carries an alert
const AlertThreshold = 30

// DefaultInterval is the pause between two messages
const DefaultInterval = time.Second

// Reading is the payload of a telemetry message
type Reading struct {
	Temperature int `json:"temperature"`
	Humidity    int `json:"humidity"`
}

// NewEvent returns the event for reading with the given message id
func NewEvent(messageID int, reading Reading) (*hub.Event, error) {
	payload, err := json.Marshal(reading)
	if err != nil {
		return nil, err
	}
	return &hub.Event{
		MessageID:       strconv.Itoa(messageID),
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Properties: map[string]string{
			"temperatureAlert": strconv.FormatBool(reading.Temperature > AlertThreshold),
		},
		Payload: payload,
	}, nil
}

// Loop runs telemetry cycles
type Loop struct {
	// Interval is the pause between two messages of a cycle
	Interval time.Duration
}

// NewLoop returns a loop with the given interval, DefaultInterval if zero
func NewLoop(interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{Interval: interval}
}

// RunCycle sends as many messages as the desired property maxMessages demands and
// reports the advanced message counter. A missing or non-integral maxMessages is an
// error and nothing is sent.
//
// Cancelling ctx stops the cycle before the next message; a message already being
// sent is never aborted. The counter reached so far is reported in any case.
func (l *Loop) RunCycle(ctx context.Context, c *hub.Context) error {
	rlog := logger.FromContext(ctx)

	maxMessages, err := c.Desired.Load().Int(MaxMessagesKey)
	if err != nil {
		return fmt.Errorf("cannot read desired properties: %w", err)
	}

	sendCtx := context.WithoutCancel(ctx)
	for i := 0; i < maxMessages; i++ {
		if i > 0 && !l.pause(ctx) {
			break
		}
		if ctx.Err() != nil {
			break
		}
		reading := Reading{
			Temperature: 20 + c.Rand.Intn(15),
			Humidity:    60 + c.Rand.Intn(20),
		}
		event, err := NewEvent(c.MessageID, reading)
		if err != nil {
			return err
		}
		if err := c.SendEvent(sendCtx, event); err != nil {
			return fmt.Errorf("cannot send message %d: %w", c.MessageID, err)
		}
		rlog.Infof("Sent message %d: %s", c.MessageID, event.Payload)
		c.MessageID++
	}

	if err := c.UpdateReported(sendCtx, twin.Properties{hub.MessageIDKey: c.MessageID}); err != nil {
		return fmt.Errorf("cannot update reported properties: %w", err)
	}
	rlog.Infof("Reported %s %d", hub.MessageIDKey, c.MessageID)
	return nil
}

// pause waits for the interval. It returns false if ctx was cancelled.
func (l *Loop) pause(ctx context.Context) bool {
	timer := time.NewTimer(l.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
