package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownTarget is returned by Send when the recipient is not a
	// registered agent or declared endpoint.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bus is closed")

	// ErrMailboxFull is returned when a memory mailbox reaches its limit.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrAlreadySubscribed is returned when a transport mailbox already has
	// a consumer.
	ErrAlreadySubscribed = errors.New("mailbox already has a consumer")
)

// Transport moves messages into named mailboxes and hands them to a single
// consumer per mailbox.
//
// Implementations must deliver the messages of one mailbox in publish order,
// one at a time. Messages published before a consumer subscribes are kept
// and delivered once it does.
type Transport interface {
	// Publish appends msg to the mailbox named msg.To.
	Publish(ctx context.Context, msg Message) error

	// Consume starts delivering the mailbox to fn on a dedicated goroutine.
	// stop blocks until fn is no longer running; undelivered messages stay
	// in the mailbox.
	Consume(mailbox string, fn func(Message)) (stop func(), err error)

	// Close stops every consumer and releases resources.
	Close() error
}

// MemoryTransport is an in-process Transport. Each mailbox is a FIFO slice
// drained by one goroutine.
type MemoryTransport struct {
	mu        sync.Mutex
	mailboxes map[string]*memMailbox
	maxQueue  int
	closed    bool
}

// NewMemoryTransport creates a transport. maxQueue bounds each mailbox;
// zero means unbounded.
func NewMemoryTransport(maxQueue int) *MemoryTransport {
	return &MemoryTransport{
		mailboxes: make(map[string]*memMailbox),
		maxQueue:  maxQueue,
	}
}

type memMailbox struct {
	mu       sync.Mutex
	queue    []Message
	signal   chan struct{}
	consumer *memConsumer
}

type memConsumer struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// halt stops the consumer and waits for its goroutine to exit.
func (c *memConsumer) halt() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (t *MemoryTransport) mailbox(name string) (*memMailbox, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	mb, ok := t.mailboxes[name]
	if !ok {
		mb = &memMailbox{signal: make(chan struct{}, 1)}
		t.mailboxes[name] = mb
	}
	return mb, nil
}

func (t *MemoryTransport) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.enqueue(msg.To, msg)
}

// enqueue appends msg to the named mailbox, which need not match msg.To.
func (t *MemoryTransport) enqueue(name string, msg Message) error {
	mb, err := t.mailbox(name)
	if err != nil {
		return err
	}

	mb.mu.Lock()
	if t.maxQueue > 0 && len(mb.queue) >= t.maxQueue {
		mb.mu.Unlock()
		return fmt.Errorf("mailbox %s: %w", name, ErrMailboxFull)
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return nil
}

func (t *MemoryTransport) Consume(name string, fn func(Message)) (func(), error) {
	mb, err := t.mailbox(name)
	if err != nil {
		return nil, err
	}

	mb.mu.Lock()
	if mb.consumer != nil {
		mb.mu.Unlock()
		return nil, fmt.Errorf("mailbox %s: %w", name, ErrAlreadySubscribed)
	}
	c := &memConsumer{quit: make(chan struct{}), done: make(chan struct{})}
	mb.consumer = c
	mb.mu.Unlock()

	go mb.drain(c, fn)

	stop := func() {
		c.halt()
		mb.mu.Lock()
		if mb.consumer == c {
			mb.consumer = nil
		}
		mb.mu.Unlock()
	}
	return stop, nil
}

func (mb *memMailbox) drain(c *memConsumer, fn func(Message)) {
	defer close(c.done)
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			mb.mu.Unlock()
			select {
			case <-c.quit:
				return
			case <-mb.signal:
				continue
			}
		}
		select {
		case <-c.quit:
			mb.mu.Unlock()
			return
		default:
		}
		msg := mb.queue[0]
		mb.queue[0] = Message{}
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		fn(msg)
	}
}

// Pending returns the number of undelivered messages in a mailbox.
func (t *MemoryTransport) Pending(name string) int {
	t.mu.Lock()
	mb, ok := t.mailboxes[name]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	boxes := make([]*memMailbox, 0, len(t.mailboxes))
	for _, mb := range t.mailboxes {
		boxes = append(boxes, mb)
	}
	t.mu.Unlock()

	for _, mb := range boxes {
		mb.mu.Lock()
		c := mb.consumer
		mb.consumer = nil
		mb.mu.Unlock()
		if c != nil {
			c.halt()
		}
	}
	return nil
}

// drop stops the consumer of a mailbox and discards the mailbox.
func (t *MemoryTransport) drop(name string) {
	t.mu.Lock()
	mb, ok := t.mailboxes[name]
	delete(t.mailboxes, name)
	t.mu.Unlock()
	if !ok {
		return
	}
	mb.mu.Lock()
	c := mb.consumer
	mb.consumer = nil
	mb.mu.Unlock()
	if c != nil {
		c.halt()
	}
}
