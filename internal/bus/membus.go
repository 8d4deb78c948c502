package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MemBus is an in-process Bus for tests and dev mode. It preserves the
// contract of the broker-backed client: per-subscription ordered dispatch,
// queue-group load balancing, durable streams as bounded logs, single-use
// reply inboxes, and the same error surface.
type MemBus struct {
	cfg   Config
	hooks *Hooks

	mu        sync.RWMutex
	connected bool
	subs      []*memSub
	subsByID  map[string]*memSub
	streams   map[string]*memStream
	queueRR   map[string]uint64

	cbMu         sync.Mutex
	onConnect    []func()
	onDisconnect []func(error)
	onError      []func(error)

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type memSub struct {
	id      string
	subject string
	queue   string
	h       Handler

	mu     sync.Mutex
	cond   *sync.Cond
	queueQ []*Envelope
	closed bool
}

type memStream struct {
	cfg  StreamConfig
	mu   sync.Mutex
	seq  uint64
	msgs []*Envelope
}

// NewMemBus builds a disconnected in-memory bus.
func NewMemBus(cfg Config) *MemBus {
	return &MemBus{
		cfg:      cfg.withDefaults(),
		subsByID: map[string]*memSub{},
		streams:  map[string]*memStream{},
		queueRR:  map[string]uint64{},
	}
}

// SetHooks installs instrumentation callbacks.
func (m *MemBus) SetHooks(h *Hooks) { m.hooks = h }

func (m *MemBus) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.connected = true
	m.baseCtx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	for _, fn := range m.connectCallbacks() {
		fn()
	}
	return nil
}

// Disconnect drains and tears down every subscription. It fires the
// disconnect callbacks exactly once.
func (m *MemBus) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.connected = false
	subs := make([]*memSub, len(m.subs))
	copy(subs, m.subs)
	m.subs = nil
	m.subsByID = map[string]*memSub{}
	cancel := m.cancel
	m.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}

	for _, fn := range m.disconnectCallbacks() {
		fn(nil)
	}
	return nil
}

func (m *MemBus) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MemBus) Publish(ctx context.Context, env *Envelope) error {
	if !Validate(env.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, env.Subject)
	}
	if _, err := env.Encode(); err != nil {
		return err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	targets := m.selectLocked(env.Subject)
	m.mu.Unlock()

	m.hooks.publish(env.Subject, false)
	for _, s := range targets {
		s.enqueue(copyEnvelope(env))
	}
	return nil
}

func (m *MemBus) PublishDurable(ctx context.Context, env *Envelope, stream string) (*PubAck, error) {
	if !Validate(env.Subject) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, env.Subject)
	}
	if _, err := env.Encode(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	st, err := m.streamForLocked(env.Subject, stream)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	targets := m.selectLocked(env.Subject)
	m.mu.Unlock()

	ack := st.append(copyEnvelope(env))
	m.hooks.publish(env.Subject, true)
	for _, s := range targets {
		s.enqueue(copyEnvelope(env))
	}
	return ack, nil
}

func (m *MemBus) Subscribe(ctx context.Context, subject string, h Handler) (string, error) {
	return m.QueueSubscribe(ctx, subject, "", h)
}

func (m *MemBus) QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (string, error) {
	if !Validate(subject) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if h == nil {
		return "", fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	s := &memSub{
		id:      uuid.NewString(),
		subject: subject,
		queue:   queue,
		h:       h,
	}
	s.cond = sync.NewCond(&s.mu)

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	m.subs = append(m.subs, s)
	m.subsByID[s.id] = s
	base := m.baseCtx
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch(base, s)
	return s.id, nil
}

// Unsubscribe removes the subscription and stops its dispatch worker. Safe
// to call from inside the subscription's own handler.
func (m *MemBus) Unsubscribe(subID string) error {
	m.mu.Lock()
	s, ok := m.subsByID[subID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, subID)
	}
	delete(m.subsByID, subID)
	for i, other := range m.subs {
		if other.id == subID {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	s.close()
	return nil
}

// Request publishes env with a fresh single-use reply inbox and waits for
// the first reply. The inbox is cancelled after the first matching message;
// late replies are dropped silently.
func (m *MemBus) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}
	inbox := InboxSubject(inboxToken())
	replyC := make(chan *Envelope, 1)

	var subID string
	var once sync.Once
	subID, err := m.Subscribe(ctx, inbox, func(_ context.Context, reply *Envelope) error {
		once.Do(func() {
			select {
			case replyC <- reply:
			default:
			}
			// Cancel the inbox after the first reply.
			go m.Unsubscribe(subID)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	env.WithMetadata(MetaReplyTo, inbox)
	env.WithMetadata(MetaCorrelationID, env.CorrelationID)
	if err := m.Publish(ctx, env); err != nil {
		m.Unsubscribe(subID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyC:
		return reply, nil
	case <-timer.C:
		m.Unsubscribe(subID)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, env.Subject, timeout)
	case <-ctx.Done():
		m.Unsubscribe(subID)
		return nil, ctx.Err()
	}
}

func (m *MemBus) Reply(ctx context.Context, original *Envelope, data map[string]any) error {
	reply, err := ReplyEnvelope(original, m.cfg.Name, data)
	if err != nil {
		return err
	}
	return m.Publish(ctx, reply)
}

// CreateStream registers or updates an in-memory durable stream.
func (m *MemBus) CreateStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.Name == "" || len(cfg.Subjects) == 0 {
		return fmt.Errorf("%w: stream needs a name and subjects", ErrStreamFailed)
	}
	for _, s := range cfg.Subjects {
		if !Validate(s) {
			return fmt.Errorf("%w: %q", ErrInvalidSubject, s)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if st, ok := m.streams[cfg.Name]; ok {
		st.cfg = cfg
		return nil
	}
	m.streams[cfg.Name] = &memStream{cfg: cfg}
	return nil
}

func (m *MemBus) OnConnect(fn func()) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onConnect = append(m.onConnect, fn)
}

func (m *MemBus) OnDisconnect(fn func(error)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

func (m *MemBus) OnError(fn func(error)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onError = append(m.onError, fn)
}

// StreamMessages returns a snapshot of a stream's log. Test helper.
func (m *MemBus) StreamMessages(name string) []*Envelope {
	m.mu.RLock()
	st, ok := m.streams[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*Envelope, len(st.msgs))
	copy(out, st.msgs)
	return out
}

// selectLocked picks delivery targets for a subject: every plain matching
// subscription, plus one member per matching queue group (round-robin).
func (m *MemBus) selectLocked(subject string) []*memSub {
	var targets []*memSub
	groups := map[string][]*memSub{}
	for _, s := range m.subs {
		if !Matches(subject, s.subject) {
			continue
		}
		if s.queue == "" {
			targets = append(targets, s)
			continue
		}
		groups[s.queue] = append(groups[s.queue], s)
	}
	for name, members := range groups {
		idx := m.queueRR[name] % uint64(len(members))
		m.queueRR[name]++
		targets = append(targets, members[idx])
	}
	return targets
}

func (m *MemBus) streamForLocked(subject, name string) (*memStream, error) {
	if name != "" {
		st, ok := m.streams[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown stream %q", ErrStreamFailed, name)
		}
		return st, nil
	}
	for _, st := range m.streams {
		for _, pat := range st.cfg.Subjects {
			if Matches(subject, pat) {
				return st, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no stream covers %q", ErrStreamFailed, subject)
}

// dispatch drains one subscription's queue in arrival order.
func (m *MemBus) dispatch(ctx context.Context, s *memSub) {
	defer m.wg.Done()
	for {
		env, ok := s.next()
		if !ok {
			return
		}
		m.hooks.deliver(env.Subject)
		m.invoke(ctx, s, env)
	}
}

func (m *MemBus) invoke(ctx context.Context, s *memSub, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic on %s: %v", s.subject, r)
			log.Error().Str("subject", env.Subject).Interface("panic", r).Msg("bus handler panicked")
			m.hooks.handlerError(env.Subject, err)
			m.fireError(err)
		}
	}()
	if err := s.h(ctx, env); err != nil {
		log.Warn().Err(err).Str("subject", env.Subject).Msg("bus handler error")
		m.hooks.handlerError(env.Subject, err)
		m.fireError(err)
	}
}

func (m *MemBus) fireError(err error) {
	m.cbMu.Lock()
	cbs := make([]func(error), len(m.onError))
	copy(cbs, m.onError)
	m.cbMu.Unlock()
	for _, fn := range cbs {
		fn(err)
	}
}

func (m *MemBus) connectCallbacks() []func() {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	out := make([]func(), len(m.onConnect))
	copy(out, m.onConnect)
	return out
}

func (m *MemBus) disconnectCallbacks() []func(error) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	out := make([]func(error), len(m.onDisconnect))
	copy(out, m.onDisconnect)
	return out
}

// enqueue never blocks: the queue is unbounded so handlers may publish from
// inside the dispatch path without deadlocking.
func (s *memSub) enqueue(env *Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queueQ = append(s.queueQ, env)
	s.cond.Signal()
}

func (s *memSub) next() (*Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queueQ) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queueQ) == 0 {
		return nil, false
	}
	env := s.queueQ[0]
	s.queueQ = s.queueQ[1:]
	return env, true
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queueQ = nil
	s.cond.Broadcast()
}

func (st *memStream) append(env *Envelope) *PubAck {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	st.msgs = append(st.msgs, env)
	if st.cfg.MaxMsgs > 0 && int64(len(st.msgs)) > st.cfg.MaxMsgs {
		st.msgs = st.msgs[int64(len(st.msgs))-st.cfg.MaxMsgs:]
	}
	return &PubAck{Stream: st.cfg.Name, Sequence: st.seq}
}

func copyEnvelope(env *Envelope) *Envelope {
	out := *env
	if env.Data != nil {
		out.Data = make(map[string]any, len(env.Data))
		for k, v := range env.Data {
			out.Data[k] = v
		}
	}
	if env.Metadata != nil {
		out.Metadata = make(map[string]string, len(env.Metadata))
		for k, v := range env.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func inboxToken() string {
	return uuid.New().String()
}
