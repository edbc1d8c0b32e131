package mq

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

// --- Disposition Tests ---

func TestDisposition(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{"success", nil, true, false},
		{"reject", fmt.Errorf("bad submission: %w", ErrReject), false, false},
		{"transient", errors.New("disk full"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, requeue := Disposition(tt.err)
			if ack != tt.wantAck || requeue != tt.wantRequeue {
				t.Errorf("Disposition(%v) = (%v, %v), want (%v, %v)",
					tt.err, ack, requeue, tt.wantAck, tt.wantRequeue)
			}
		})
	}
}

// --- Message Tests ---

type testPayload struct {
	Path string `json:"path"`
	N    int    `json:"n"`
}

func TestParsePayload_AfterRoundTrip(t *testing.T) {
	msg := NewMessage(MessageTypeJobSubmitted, testPayload{Path: "/root/wf/a/Default", N: 3})
	if msg.ID == "" {
		t.Fatal("message should get an id")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Message
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}

	p, err := ParsePayload[testPayload](&decoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Path != "/root/wf/a/Default" || p.N != 3 {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestParsePayload_Mismatch(t *testing.T) {
	msg := &Message{Payload: "not an object"}
	if _, err := ParsePayload[testPayload](msg); err == nil {
		t.Error("expected error for mismatched payload")
	}
}

// --- Topology Tests ---

func TestDefaultTopology(t *testing.T) {
	topo := DefaultTopology()

	queues := topo.Queues()
	if len(queues) != 2 || queues[0] != QueueJobsSubmitted {
		t.Errorf("unexpected queues %v", queues)
	}
	ex, ok := topo.DeadLetter(QueueJobsSubmitted)
	if !ok || ex != ExchangeDLQ {
		t.Errorf("jobs.submitted should dead-letter to %s, got %q", ExchangeDLQ, ex)
	}
	if _, ok := topo.DeadLetter(QueueDLQJobs); ok {
		t.Error("dlq itself should not dead-letter")
	}
}

func TestDefaultTopology_QuorumDeliveryLimit(t *testing.T) {
	topo := DefaultTopology()
	for _, q := range topo.queues {
		if q.name != QueueJobsSubmitted {
			continue
		}
		if q.args["x-queue-type"] != "quorum" || q.args["x-delivery-limit"] != DeliveryLimit {
			t.Errorf("unexpected args %v", q.args)
		}
		return
	}
	t.Fatal("jobs.submitted not declared")
}

// --- Delivery Tests ---

func TestDeliveryAttempt(t *testing.T) {
	tests := []struct {
		name string
		raw  amqp.Delivery
		want int
	}{
		{"first", amqp.Delivery{}, 1},
		{"redelivered without header", amqp.Delivery{Redelivered: true}, 2},
		{"quorum count", amqp.Delivery{Redelivered: true, Headers: amqp.Table{"x-delivery-count": int64(3)}}, 4},
		{"int32 count", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int32(1)}}, 2},
	}

	for _, tt := range tests {
		if got := deliveryAttempt(tt.raw); got != tt.want {
			t.Errorf("%s: deliveryAttempt = %d, want %d", tt.name, got, tt.want)
		}
	}
}
