// Package ringbuffer implements the bounded, fixed-capacity hand-off buffer
// used between sequencer stages (intake -> batch builder -> signer -> submit).
// Slots move Empty -> Writing -> Ready -> Reading -> Processed -> Empty, and
// producers/consumers each own a cursor tracking their position.
package ringbuffer

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
)

// SlotState is the lifecycle state of a single ring buffer slot.
type SlotState int32

const (
	SlotEmpty SlotState = iota
	SlotWriting
	SlotReady
	SlotReading
	SlotProcessed
)

// OverflowPolicy controls what publish does when no slot is available.
type OverflowPolicy string

const (
	OverflowBlock     OverflowPolicy = "block"
	OverflowOverwrite OverflowPolicy = "overwrite"
	OverflowDrop      OverflowPolicy = "drop"
)

// WaitStrategy controls how a blocked publish or consume waits for a slot.
type WaitStrategy string

const (
	WaitYield    WaitStrategy = "yield"
	WaitSleep    WaitStrategy = "sleep"
	WaitBlocking WaitStrategy = "blocking"
)

// Record is a typed payload handed between stages, with metadata for
// observability (no typed-generic payload since records cross package
// boundaries: intake records, batch records, signed-batch records all share
// this buffer type at different points in the pipeline).
type Record struct {
	Payload  interface{}
	Metadata map[string]interface{}
}

type slot struct {
	state    atomic.Int32
	locked   atomic.Bool
	lockedAt atomic.Int64
	record   Record
	seq      uint64
}

// ProducerCursor tracks a single producer's claim position.
type ProducerCursor struct {
	ID       string
	seq      atomic.Uint64
	lastSeen atomic.Int64
	closed   atomic.Bool
}

// ConsumerCursor tracks a single consumer's claim position.
type ConsumerCursor struct {
	ID       string
	seq      atomic.Uint64
	lastSeen atomic.Int64
	closed   atomic.Bool
}

// Dropped is returned by Publish under OverflowDrop when no slot was free.
var Dropped = errors.New("ring buffer slot dropped under overflow policy")

// ErrClosed is returned from Publish/Consume when the buffer has been closed.
var ErrClosed = errors.New("ring buffer closed")

// ErrAlreadyRegistered is returned when a cursor id is reused.
var ErrAlreadyRegistered = errors.New("cursor id already registered")

// Config configures a RingBuffer.
type Config struct {
	Capacity         int
	OverflowPolicy   OverflowPolicy
	WaitStrategy     WaitStrategy
	StalledThreshold time.Duration
}

// RingBuffer is a bounded circular array of typed slots shared by one or more
// producers and consumers.
type RingBuffer struct {
	mu        sync.RWMutex
	slots     []slot
	capacity  uint64
	cfg       Config
	producers map[string]*ProducerCursor
	consumers map[string]*ConsumerCursor
	closed    atomic.Bool
	closeCh   chan struct{}
	logger    *logging.Logger

	dropped atomic.Uint64
	stalled atomic.Uint64
}

// New creates a RingBuffer with the given configuration.
func New(cfg Config, logger *logging.Logger) *RingBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 4096
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowBlock
	}
	if cfg.WaitStrategy == "" {
		cfg.WaitStrategy = WaitYield
	}
	if cfg.StalledThreshold == 0 {
		cfg.StalledThreshold = 30 * time.Second
	}

	rb := &RingBuffer{
		slots:     make([]slot, cfg.Capacity),
		capacity:  uint64(cfg.Capacity),
		cfg:       cfg,
		producers: make(map[string]*ProducerCursor),
		consumers: make(map[string]*ConsumerCursor),
		closeCh:   make(chan struct{}),
		logger:    logger,
	}
	for i := range rb.slots {
		rb.slots[i].state.Store(int32(SlotEmpty))
	}
	return rb
}

// RegisterProducer registers a new producer cursor, or errors if the id is
// already taken.
func (rb *RingBuffer) RegisterProducer(id string) (*ProducerCursor, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if _, exists := rb.producers[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	cur := &ProducerCursor{ID: id}
	cur.lastSeen.Store(time.Now().UnixNano())
	rb.producers[id] = cur
	return cur, nil
}

// RegisterConsumer registers a new consumer cursor, or errors if the id is
// already taken.
func (rb *RingBuffer) RegisterConsumer(id string) (*ConsumerCursor, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if _, exists := rb.consumers[id]; exists {
		return nil, ErrAlreadyRegistered
	}
	cur := &ConsumerCursor{ID: id}
	cur.lastSeen.Store(time.Now().UnixNano())
	rb.consumers[id] = cur
	return cur, nil
}

// DeregisterProducer removes a producer cursor; subsequent sequences and slot
// states remain internally consistent since cursors never mutate slot state
// on deregistration.
func (rb *RingBuffer) DeregisterProducer(id string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	delete(rb.producers, id)
}

// DeregisterConsumer removes a consumer cursor.
func (rb *RingBuffer) DeregisterConsumer(id string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	delete(rb.consumers, id)
}

// Publish writes a record into the next available slot per the overflow
// policy, returning the slot index written.
func (rb *RingBuffer) Publish(cursor *ProducerCursor, payload interface{}, metadata map[string]interface{}) (int, error) {
	if rb.closed.Load() {
		return 0, ErrClosed
	}
	cursor.lastSeen.Store(time.Now().UnixNano())

	idx, err := rb.claimForWrite()
	if err != nil {
		return 0, err
	}

	s := &rb.slots[idx]
	s.state.Store(int32(SlotWriting))
	s.record = Record{Payload: payload, Metadata: metadata}
	s.seq = cursor.seq.Add(1)
	s.state.Store(int32(SlotReady))

	return idx, nil
}

func (rb *RingBuffer) claimForWrite() (int, error) {
	start := 0
	for attempt := 0; ; attempt++ {
		for i := 0; i < int(rb.capacity); i++ {
			idx := (start + i) % int(rb.capacity)
			s := &rb.slots[idx]
			if SlotState(s.state.Load()) == SlotEmpty && s.state.CompareAndSwap(int32(SlotEmpty), int32(SlotWriting)) {
				return idx, nil
			}
		}

		switch rb.cfg.OverflowPolicy {
		case OverflowDrop:
			rb.dropped.Add(1)
			return 0, Dropped
		case OverflowOverwrite:
			idx := attempt % int(rb.capacity)
			rb.slots[idx].state.Store(int32(SlotWriting))
			return idx, nil
		default: // OverflowBlock
			select {
			case <-rb.closeCh:
				return 0, ErrClosed
			default:
			}
			rb.wait(attempt)
			if attempt > 10_000_000 {
				return 0, ErrClosed
			}
		}
	}
}

func (rb *RingBuffer) wait(attempt int) {
	switch rb.cfg.WaitStrategy {
	case WaitSleep:
		time.Sleep(time.Microsecond * time.Duration(10+attempt%100))
	case WaitBlocking:
		select {
		case <-rb.closeCh:
		case <-time.After(time.Millisecond):
		}
	default: // WaitYield
		runtime.Gosched()
	}
}

// Consume claims the next Ready slot for this cursor and returns its payload,
// or (nil, nil) if none is available.
func (rb *RingBuffer) Consume(cursor *ConsumerCursor) (*Record, error) {
	if rb.closed.Load() {
		return nil, ErrClosed
	}
	cursor.lastSeen.Store(time.Now().UnixNano())

	for i := 0; i < int(rb.capacity); i++ {
		s := &rb.slots[i]
		if SlotState(s.state.Load()) == SlotReady && s.state.CompareAndSwap(int32(SlotReady), int32(SlotReading)) {
			rec := s.record
			cursor.seq.Add(1)
			s.state.Store(int32(SlotProcessed))
			s.state.Store(int32(SlotEmpty))
			return &rec, nil
		}
	}
	return nil, nil
}

// ResetEntry clears a single slot, refusing if it is locked.
func (rb *RingBuffer) ResetEntry(idx int) error {
	if idx < 0 || idx >= len(rb.slots) {
		return errors.New("slot index out of range")
	}
	s := &rb.slots[idx]
	if s.locked.Load() {
		return errors.New("cannot reset a locked slot")
	}
	s.state.Store(int32(SlotEmpty))
	return nil
}

// ResetAll clears every unlocked slot.
func (rb *RingBuffer) ResetAll() {
	for i := range rb.slots {
		if !rb.slots[i].locked.Load() {
			rb.slots[i].state.Store(int32(SlotEmpty))
		}
	}
}

// Occupancy returns the number of slots currently in the Ready state.
func (rb *RingBuffer) Occupancy() int {
	n := 0
	for i := range rb.slots {
		if SlotState(rb.slots[i].state.Load()) == SlotReady {
			n++
		}
	}
	return n
}

// Dropped returns the count of publishes dropped under OverflowDrop.
func (rb *RingBuffer) Dropped() uint64 { return rb.dropped.Load() }

// Stalled returns the count of stall events raised by the sweep.
func (rb *RingBuffer) Stalled() uint64 { return rb.stalled.Load() }

// Close closes the buffer, waking any blocked publishers/consumers.
func (rb *RingBuffer) Close() {
	if rb.closed.CompareAndSwap(false, true) {
		close(rb.closeCh)
	}
}

// Sweep scans for cursors and locked slots stalled beyond the configured
// threshold and logs an observable event for each; it is intended to run
// periodically from a background goroutine owned by the caller.
func (rb *RingBuffer) Sweep() {
	now := time.Now().UnixNano()
	threshold := rb.cfg.StalledThreshold.Nanoseconds()

	rb.mu.RLock()
	defer rb.mu.RUnlock()

	for id, c := range rb.producers {
		if c.closed.Load() {
			continue
		}
		if now-c.lastSeen.Load() > threshold {
			rb.stalled.Add(1)
			rb.logger.Warn("producer cursor stalled", "cursor", id)
		}
	}
	for id, c := range rb.consumers {
		if c.closed.Load() {
			continue
		}
		if now-c.lastSeen.Load() > threshold {
			rb.stalled.Add(1)
			rb.logger.Warn("consumer cursor stalled", "cursor", id)
		}
	}
	for i := range rb.slots {
		s := &rb.slots[i]
		if s.locked.Load() && now-s.lockedAt.Load() > threshold {
			rb.stalled.Add(1)
			rb.logger.Warn("ring buffer slot locked past stall threshold", "slot", i)
		}
	}
}
