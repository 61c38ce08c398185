package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/randalmurphal/quakerelay/pkg/quakerelay/event"
	"github.com/randalmurphal/quakerelay/pkg/quakerelay/observability"
)

// Config configures dispatcher behavior.
type Config struct {
	// MaxPending caps each mailbox. A subscription whose mailbox is full
	// is cut off: the message is dropped, pending messages are discarded
	// and nothing more is queued for it.
	// Default: 0 (unbounded)
	MaxPending int

	// MaxSubscribers limits total subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// Logger receives delivery logs. Nil disables logging.
	Logger *slog.Logger

	// Metrics records deliveries. Default: NoopMetrics
	Metrics observability.MetricsRecorder

	// Spans traces deliveries. Default: NoopSpanManager
	Spans observability.SpanManager

	// OnDrop is called with the message that overflowed a mailbox.
	OnDrop func(msg *event.Message, subscriberID string)

	// OnError is called when a sink returns an error or panics, and with
	// ErrLagging when a subscription is cut off.
	OnError func(msg *event.Message, subscriberID string, err error)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{}

// Subscription is an active subscriber.
type Subscription interface {
	// ID is unique per subscription.
	ID() string

	// Name is the sink name.
	Name() string

	// Unsubscribe stops delivery. Pending messages are discarded; a
	// delivery already in progress completes.
	Unsubscribe()

	// Pause holds delivery. Messages keep queueing until Resume; Close
	// delivers them anyway.
	Pause()

	// Resume continues delivery after pause.
	Resume()

	// IsPaused returns true if the subscription is paused.
	IsPaused() bool

	// Pending returns the number of queued messages.
	Pending() int

	// Err returns ErrLagging once the subscription was cut off for a full
	// mailbox, nil otherwise.
	Err() error
}

// Dispatcher is an in-memory fan-out router.
type Dispatcher struct {
	config Config

	mu            sync.RWMutex
	subscriptions map[string]*subscription

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a dispatcher.
func New(config Config) *Dispatcher {
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	if config.Spans == nil {
		config.Spans = observability.NoopSpanManager{}
	}
	return &Dispatcher{
		config:        config,
		subscriptions: make(map[string]*subscription),
	}
}

type subscription struct {
	id   string
	sink Sink
	d    *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*event.Message
	stopped  bool
	draining bool
	paused   bool
	err      error
}

// Subscribe registers a sink. It receives only messages published after
// this call. Returns nil if the dispatcher is closed or full.
func (d *Dispatcher) Subscribe(sink Sink) Subscription {
	if sink == nil || d.closed.Load() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return nil
	}
	if d.config.MaxSubscribers > 0 && len(d.subscriptions) >= d.config.MaxSubscribers {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:     uuid.NewString(),
		sink:   sink,
		d:      d,
		ctx:    ctx,
		cancel: cancel,
	}
	sub.cond = sync.NewCond(&sub.mu)
	d.subscriptions[sub.id] = sub

	d.wg.Add(1)
	go sub.process()

	return sub
}

// Publish appends msg to every active mailbox and returns immediately.
// Subscriptions whose mailbox overflows are removed before it returns.
func (d *Dispatcher) Publish(msg *event.Message) error {
	if d.closed.Load() {
		return ErrClosed
	}

	var lagging []*subscription
	d.mu.RLock()
	for _, sub := range d.subscriptions {
		if !sub.enqueue(msg) {
			lagging = append(lagging, sub)
		}
	}
	d.mu.RUnlock()

	for _, sub := range lagging {
		d.mu.Lock()
		delete(d.subscriptions, sub.id)
		d.mu.Unlock()
		sub.cutOff(msg)
	}
	return nil
}

// Subscribers returns the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions)
}

// Close stops accepting messages, waits for every mailbox to drain and
// stops the workers. Safe to call more than once.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	d.mu.Lock()
	for id, sub := range d.subscriptions {
		sub.mu.Lock()
		sub.draining = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
		delete(d.subscriptions, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

// enqueue returns false when the mailbox is full. The subscription is
// then stopped at once so no later message for any event can reach it.
func (s *subscription) enqueue(msg *event.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.draining {
		return true
	}
	if limit := s.d.config.MaxPending; limit > 0 && len(s.queue) >= limit {
		s.stopped = true
		s.err = ErrLagging
		s.cond.Broadcast()
		return false
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
	return true
}

// cutOff discards the pending messages of a lagging subscription and
// reports the message that overflowed it.
func (s *subscription) cutOff(msg *event.Message) {
	s.mu.Lock()
	pending := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	cfg := s.d.config
	observability.LogDropped(cfg.Logger, s.sink.Name(), msg.ID, pending)
	cfg.Metrics.RecordDropped(context.Background(), s.sink.Name())
	if cfg.OnDrop != nil {
		cfg.OnDrop(msg, s.id)
	}
	if cfg.OnError != nil {
		cfg.OnError(msg, s.id, ErrLagging)
	}
}

// next blocks until a message can be delivered. It returns false once the
// subscription is stopped, or draining with an empty queue. A paused
// subscription delivers only while draining.
func (s *subscription) next() (*event.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.stopped {
			return nil, false
		}
		if len(s.queue) > 0 && (!s.paused || s.draining) {
			break
		}
		if s.draining {
			return nil, false
		}
		s.cond.Wait()
	}

	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

func (s *subscription) process() {
	defer s.d.wg.Done()
	defer s.cancel()

	for {
		msg, ok := s.next()
		if !ok {
			return
		}
		s.deliver(msg)
	}
}

func (s *subscription) deliver(msg *event.Message) {
	cfg := s.d.config
	name := s.sink.Name()

	ctx, span := cfg.Spans.StartDeliverSpan(s.ctx, name, msg.ID, string(msg.Kind()))
	timer := observability.TimedOperation()
	err := s.safeDeliver(ctx, msg)
	elapsed := timer()
	cfg.Spans.EndSpanWithError(span, err)
	cfg.Metrics.RecordDelivery(ctx, name, elapsed, err)

	if err != nil {
		observability.LogSinkError(cfg.Logger, name, msg.ID, err)
		if cfg.OnError != nil {
			cfg.OnError(msg, s.id, err)
		}
		return
	}
	observability.LogDelivery(cfg.Logger, name, msg.ID, elapsed)
}

func (s *subscription) safeDeliver(ctx context.Context, msg *event.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Sink: s.sink.Name(), Value: r}
		}
	}()
	return s.sink.Deliver(ctx, msg)
}

// ID returns the subscription ID.
func (s *subscription) ID() string { return s.id }

// Name returns the sink name.
func (s *subscription) Name() string { return s.sink.Name() }

// Unsubscribe removes the subscription and discards pending messages.
func (s *subscription) Unsubscribe() {
	s.d.mu.Lock()
	delete(s.d.subscriptions, s.id)
	s.d.mu.Unlock()

	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Pause holds delivery until Resume.
func (s *subscription) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume delivers held messages and continues.
func (s *subscription) Resume() {
	s.mu.Lock()
	s.paused = false
	s.cond.Signal()
	s.mu.Unlock()
}

// IsPaused returns true if the subscription is paused.
func (s *subscription) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Err returns ErrLagging if the subscription was cut off.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of queued messages.
func (s *subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
