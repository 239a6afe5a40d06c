package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/taskgraph-go/agent/registry"
)

// Directory resolves message targets. *registry.Registry satisfies it.
type Directory interface {
	Exists(agentID string) bool
	List(ctx context.Context) []registry.AgentInfo
}

// Handler processes one delivered message. ctx is cancelled when the bus
// closes.
type Handler func(ctx context.Context, msg Message)

// Unsubscribe removes a subscription. It is safe to call more than once.
type Unsubscribe func()

// Filter selects broadcast recipients.
type Filter func(registry.AgentInfo) bool

// ByCapability selects agents that declare capability.
func ByCapability(capability string) Filter {
	return func(a registry.AgentInfo) bool { return a.HasCapability(capability) }
}

// ByType selects agents of the given type.
func ByType(agentType string) Filter {
	return func(a registry.AgentInfo) bool { return a.Type == agentType }
}

type subscriber struct {
	id string
	h  Handler
}

type mailboxSubs struct {
	subs []subscriber
	stop func()
}

// Bus routes messages to agent mailboxes over a Transport.
//
// Handlers of one mailbox run sequentially in delivery order. Handlers must
// not call Subscribe or Unsubscribe synchronously.
type Bus struct {
	transport Transport
	dir       Directory
	logger    *zap.Logger

	// taps carries copies of published messages to type subscribers.
	taps *MemoryTransport

	ctx    context.Context
	cancel context.CancelFunc

	// consumeMu serializes transport consumer start and stop.
	consumeMu sync.Mutex

	mu        sync.RWMutex
	endpoints map[string]struct{}
	mailboxes map[string]*mailboxSubs
	typeTaps  map[string]map[string]struct{}
	closed    bool
}

// New creates a bus. The bus owns transport and closes it on Close.
func New(transport Transport, dir Directory, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		transport: transport,
		dir:       dir,
		logger:    logger.With(zap.String("component", "bus")),
		taps:      NewMemoryTransport(0),
		ctx:       ctx,
		cancel:    cancel,
		endpoints: make(map[string]struct{}),
		mailboxes: make(map[string]*mailboxSubs),
		typeTaps:  make(map[string]map[string]struct{}),
	}
}

// DeclareEndpoint makes name a valid target even though it is not a
// registered agent, e.g. the worker pool's own mailbox.
func (b *Bus) DeclareEndpoint(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[name] = struct{}{}
}

func (b *Bus) known(name string) bool {
	b.mu.RLock()
	_, ok := b.endpoints[name]
	b.mu.RUnlock()
	return ok || (b.dir != nil && b.dir.Exists(name))
}

// Send delivers msg to msg.To. Empty ID and CreatedAt are filled in.
func (b *Bus) Send(ctx context.Context, msg Message) (Receipt, error) {
	if b.isClosed() {
		return Receipt{}, ErrClosed
	}
	if msg.To == "" || !b.known(msg.To) {
		return Receipt{}, fmt.Errorf("send %s to %q: %w", msg.Type, msg.To, ErrUnknownTarget)
	}
	return b.publish(ctx, msg)
}

func (b *Bus) publish(ctx context.Context, msg Message) (Receipt, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if err := b.transport.Publish(ctx, msg); err != nil {
		return Receipt{}, fmt.Errorf("send %s to %s: %w", msg.Type, msg.To, err)
	}
	b.tap(msg)

	b.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("type", msg.Type),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
	)
	return Receipt{MessageID: msg.ID, To: msg.To, SentAt: time.Now().UTC()}, nil
}

// tap copies msg to every type subscription matching its type.
func (b *Bus) tap(msg Message) {
	b.mu.RLock()
	var names []string
	for name := range b.typeTaps[msg.Type] {
		names = append(names, name)
	}
	for name := range b.typeTaps[""] {
		names = append(names, name)
	}
	b.mu.RUnlock()

	for _, name := range names {
		if err := b.taps.enqueue(name, msg); err != nil {
			b.logger.Warn("type subscriber dropped message",
				zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
}

// Broadcast sends a copy of msg to every registered agent accepted by filter
// (nil accepts all), except the sender. Each copy gets its own ID. A failed
// recipient does not stop delivery to the rest.
func (b *Bus) Broadcast(ctx context.Context, msg Message, filter Filter) BroadcastResult {
	result := BroadcastResult{Failed: make(map[string]error)}
	if b.isClosed() {
		result.Failed["*"] = ErrClosed
		return result
	}
	if b.dir == nil {
		return result
	}

	for _, agent := range b.dir.List(ctx) {
		if agent.ID == msg.From {
			continue
		}
		if filter != nil && !filter(agent) {
			continue
		}
		cp := msg
		cp.ID = ""
		cp.To = agent.ID
		receipt, err := b.publish(ctx, cp)
		if err != nil {
			b.logger.Warn("broadcast delivery failed",
				zap.String("type", msg.Type),
				zap.String("to", agent.ID),
				zap.Error(err),
			)
			result.Failed[agent.ID] = err
			continue
		}
		result.Delivered = append(result.Delivered, receipt)
	}
	return result
}

// Subscribe registers handler for messages addressed to mailbox, which must
// be a known agent or declared endpoint. Several handlers may share a
// mailbox; each receives every message.
func (b *Bus) Subscribe(mailbox string, handler Handler) (Unsubscribe, error) {
	if !b.known(mailbox) {
		return nil, fmt.Errorf("subscribe %q: %w", mailbox, ErrUnknownTarget)
	}

	b.consumeMu.Lock()
	defer b.consumeMu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	sub := subscriber{id: uuid.NewString(), h: handler}
	if entry, ok := b.mailboxes[mailbox]; ok {
		entry.subs = append(entry.subs, sub)
		b.mu.Unlock()
		return b.unsubscriber(mailbox, sub.id), nil
	}
	// Registered before consuming so queued messages find their handler.
	entry := &mailboxSubs{subs: []subscriber{sub}}
	b.mailboxes[mailbox] = entry
	b.mu.Unlock()

	stop, err := b.transport.Consume(mailbox, func(msg Message) { b.deliver(mailbox, msg) })
	b.mu.Lock()
	if err != nil {
		delete(b.mailboxes, mailbox)
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", mailbox, err)
	}
	entry.stop = stop
	b.mu.Unlock()

	b.logger.Debug("mailbox subscribed", zap.String("mailbox", mailbox))
	return b.unsubscriber(mailbox, sub.id), nil
}

func (b *Bus) deliver(mailbox string, msg Message) {
	b.mu.RLock()
	entry, ok := b.mailboxes[mailbox]
	var subs []subscriber
	if ok {
		subs = append(subs, entry.subs...)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(b.ctx, msg)
	}
}

func (b *Bus) unsubscriber(mailbox, id string) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.consumeMu.Lock()
			defer b.consumeMu.Unlock()

			b.mu.Lock()
			entry, ok := b.mailboxes[mailbox]
			if !ok {
				b.mu.Unlock()
				return
			}
			for i, s := range entry.subs {
				if s.id == id {
					entry.subs = append(entry.subs[:i], entry.subs[i+1:]...)
					break
				}
			}
			var stop func()
			if len(entry.subs) == 0 {
				delete(b.mailboxes, mailbox)
				stop = entry.stop
			}
			b.mu.Unlock()

			if stop != nil {
				stop()
			}
		})
	}
}

// SubscribeType registers handler for every message of msgType published
// through this bus, whether sent or broadcast, regardless of recipient. An
// empty msgType observes all messages. Delivery is asynchronous and in
// publish order.
func (b *Bus) SubscribeType(msgType string, handler Handler) Unsubscribe {
	name := "tap:" + uuid.NewString()

	stop, err := b.taps.Consume(name, func(msg Message) { handler(b.ctx, msg) })
	if err != nil {
		b.logger.Warn("type subscription rejected", zap.String("type", msgType), zap.Error(err))
		return func() {}
	}

	b.mu.Lock()
	if b.typeTaps[msgType] == nil {
		b.typeTaps[msgType] = make(map[string]struct{})
	}
	b.typeTaps[msgType][name] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.typeTaps[msgType], name)
			if len(b.typeTaps[msgType]) == 0 {
				delete(b.typeTaps, msgType)
			}
			b.mu.Unlock()
			stop()
			b.taps.drop(name)
		})
	}
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops every subscription and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mailboxes = make(map[string]*mailboxSubs)
	b.typeTaps = make(map[string]map[string]struct{})
	b.mu.Unlock()

	b.cancel()
	_ = b.taps.Close()
	return b.transport.Close()
}
