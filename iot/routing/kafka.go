// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package routing

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of kafka.Writer the sink needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes telemetry to a kafka topic. The message key is the device id,
// so messages of a device keep their order; message properties become headers.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink returns a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		topic: topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

func kafkaMessage(m *Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Properties))
	for k, v := range m.Properties {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(m.DeviceID),
		Value:   m.Payload,
		Headers: headers,
		Time:    m.ReceivedAt,
	}
}

// Route implements Sink
func (s *KafkaSink) Route(ctx context.Context, m *Message) error {
	if err := s.writer.WriteMessages(ctx, kafkaMessage(m)); err != nil {
		return fmt.Errorf("cannot write telemetry of %s to %s: %w", m.DeviceID, s.topic, err)
	}
	return nil
}

// Close implements Sink
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
