package debug_test

import (
	"testing"

	"github.com/pubflow/pubsub/internal/debug"
)

func BenchmarkLogStatic(b *testing.B) {
	for i := 0; i < b.N; i++ {
		debug.Log("Static string")
	}
}

func BenchmarkLogAckID(b *testing.B) {
	ackID := "projects/p/subscriptions/s:1234567890"

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		debug.Log("ack id: %s", ackID)
	}
}
