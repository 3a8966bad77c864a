package bus

import (
	"context"
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var received []*Event
	_, err := b.Subscribe("agent.status", func(event *Event) {
		received = append(received, event)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := NewEvent("agent.status", "test", map[string]interface{}{"agent_id": "a1"})
	if err := b.Publish(context.Background(), "agent.status", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Data["agent_id"] != "a1" {
		t.Errorf("unexpected payload: %v", received[0].Data)
	}
	if received[0].ID == "" || received[0].Timestamp.IsZero() {
		t.Error("expected envelope fields to be set")
	}
}

func TestSubjectWildcard(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var subjects []string
	b.Subscribe("agent.>", func(event *Event) {
		subjects = append(subjects, event.Type)
	})

	b.Publish(context.Background(), "agent.created", NewEvent("agent.created", "test", nil))
	b.Publish(context.Background(), "agent.task.completed", NewEvent("agent.task.completed", "test", nil))
	b.Publish(context.Background(), "other.subject", NewEvent("other.subject", "test", nil))

	if len(subjects) != 2 {
		t.Fatalf("expected 2 matched events, got %v", subjects)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	count := 0
	sub, _ := b.Subscribe("agent.status", func(event *Event) { count++ })

	b.Publish(context.Background(), "agent.status", NewEvent("agent.status", "test", nil))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	b.Publish(context.Background(), "agent.status", NewEvent("agent.status", "test", nil))

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
}

func TestSubscriberOrder(t *testing.T) {
	b := NewMemoryEventBus()
	defer b.Close()

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe("agent.status", func(event *Event) {
			order = append(order, i)
		})
	}

	b.Publish(context.Background(), "agent.status", NewEvent("agent.status", "test", nil))

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("expected subscription order preserved, got %v", order)
	}
}
