package ringbuffer

import (
	"io"
	"testing"
	"time"

	"github.com/cmatc13/rollupcore/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard})
}

func TestPublishConsume_RoundTrip(t *testing.T) {
	rb := New(Config{Capacity: 4}, testLogger())
	producer, err := rb.RegisterProducer("p1")
	if err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}
	consumer, err := rb.RegisterConsumer("c1")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if _, err := rb.Publish(producer, "hello", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	rec, err := rb.Consume(consumer)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil")
	}
	if rec.Payload.(string) != "hello" {
		t.Errorf("Payload = %v, want %q", rec.Payload, "hello")
	}
}

func TestConsume_EmptyReturnsNil(t *testing.T) {
	rb := New(Config{Capacity: 2}, testLogger())
	consumer, _ := rb.RegisterConsumer("c1")

	rec, err := rb.Consume(consumer)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record on empty buffer, got %+v", rec)
	}
}

func TestPublish_OverflowDrop(t *testing.T) {
	rb := New(Config{Capacity: 1, OverflowPolicy: OverflowDrop}, testLogger())
	producer, _ := rb.RegisterProducer("p1")

	if _, err := rb.Publish(producer, 1, nil); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	if _, err := rb.Publish(producer, 2, nil); err != Dropped {
		t.Errorf("second Publish error = %v, want Dropped", err)
	}
	if got := rb.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestPublish_OverflowOverwrite(t *testing.T) {
	rb := New(Config{Capacity: 1, OverflowPolicy: OverflowOverwrite}, testLogger())
	producer, _ := rb.RegisterProducer("p1")
	consumer, _ := rb.RegisterConsumer("c1")

	if _, err := rb.Publish(producer, "first", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := rb.Publish(producer, "second", nil); err != nil {
		t.Fatalf("overwrite Publish: %v", err)
	}

	rec, err := rb.Consume(consumer)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if rec == nil || rec.Payload.(string) != "second" {
		t.Errorf("Consume() = %+v, want payload %q", rec, "second")
	}
}

func TestRegisterProducer_DuplicateID(t *testing.T) {
	rb := New(Config{Capacity: 2}, testLogger())
	if _, err := rb.RegisterProducer("dup"); err != nil {
		t.Fatalf("first RegisterProducer: %v", err)
	}
	if _, err := rb.RegisterProducer("dup"); err != ErrAlreadyRegistered {
		t.Errorf("second RegisterProducer error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestClose_RejectsPublishAndConsume(t *testing.T) {
	rb := New(Config{Capacity: 2}, testLogger())
	producer, _ := rb.RegisterProducer("p1")
	consumer, _ := rb.RegisterConsumer("c1")

	rb.Close()

	if _, err := rb.Publish(producer, "x", nil); err != ErrClosed {
		t.Errorf("Publish after Close error = %v, want ErrClosed", err)
	}
	if _, err := rb.Consume(consumer); err != ErrClosed {
		t.Errorf("Consume after Close error = %v, want ErrClosed", err)
	}
}

func TestOccupancy(t *testing.T) {
	rb := New(Config{Capacity: 4}, testLogger())
	producer, _ := rb.RegisterProducer("p1")
	consumer, _ := rb.RegisterConsumer("c1")

	rb.Publish(producer, 1, nil)
	rb.Publish(producer, 2, nil)
	if got := rb.Occupancy(); got != 2 {
		t.Errorf("Occupancy() = %d, want 2", got)
	}

	rb.Consume(consumer)
	if got := rb.Occupancy(); got != 1 {
		t.Errorf("Occupancy() after one Consume = %d, want 1", got)
	}
}

func TestSweep_FlagsStalledCursor(t *testing.T) {
	rb := New(Config{Capacity: 2, StalledThreshold: time.Millisecond}, testLogger())
	if _, err := rb.RegisterProducer("slow"); err != nil {
		t.Fatalf("RegisterProducer: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	rb.Sweep()
	if got := rb.Stalled(); got == 0 {
		t.Error("Stalled() = 0, want at least 1 after sweeping a stalled cursor")
	}
}
