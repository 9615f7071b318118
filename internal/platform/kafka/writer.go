package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// NewWriter builds the shared event producer. Hash balancing keeps all
// events for one aggregate on one partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}
