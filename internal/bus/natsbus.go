package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSBus is the broker-backed Bus. Core pub/sub rides the plain connection;
// durable publishes, streams, and the memory bucket ride JetStream.
type NATSBus struct {
	cfg   Config
	hooks *Hooks

	mu      sync.RWMutex
	nc      *nats.Conn
	js      nats.JetStreamContext
	subs    map[string]*nats.Subscription
	baseCtx context.Context
	cancel  context.CancelFunc

	cbMu         sync.Mutex
	onConnect    []func()
	onDisconnect []func(error)
	onError      []func(error)
}

// NewNATSBus builds a disconnected client.
func NewNATSBus(cfg Config) *NATSBus {
	return &NATSBus{
		cfg:  cfg.withDefaults(),
		subs: map[string]*nats.Subscription{},
	}
}

// SetHooks installs instrumentation callbacks.
func (n *NATSBus) SetHooks(h *Hooks) { n.hooks = h }

// Connect dials the broker. Reconnects are bounded by max_reconnects with a
// fixed reconnect_wait between attempts; the broker client re-establishes
// subscriptions after a reconnect on its own.
func (n *NATSBus) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil && !n.nc.IsClosed() {
		return ErrAlreadyConnected
	}

	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.PingInterval(n.cfg.PingInterval),
		nats.MaxPingsOutstanding(n.cfg.MaxPingsOut),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
			for _, fn := range n.connectCallbacks() {
				fn()
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("bus disconnected")
			for _, fn := range n.disconnectCallbacks() {
				fn(err)
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error().Err(err).Msg("bus connection closed")
				n.fireError(fmt.Errorf("%w: connection closed: %v", ErrNotConnected, err))
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("bus async error")
			n.fireError(err)
		}),
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("%w: jetstream: %v", ErrNotConnected, err)
	}

	n.nc = nc
	n.js = js
	n.baseCtx, n.cancel = context.WithCancel(context.Background())

	cbs := n.connectCallbacks()
	go func() {
		for _, fn := range cbs {
			fn()
		}
	}()
	return nil
}

// Disconnect drains in-flight subscriptions and closes the connection.
func (n *NATSBus) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	nc := n.nc
	cancel := n.cancel
	n.nc = nil
	n.js = nil
	n.subs = map[string]*nats.Subscription{}
	n.mu.Unlock()

	if nc == nil || nc.IsClosed() {
		return ErrNotConnected
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
	}
	deadline := time.After(5 * time.Second)
	for !nc.IsClosed() {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			nc.Close()
		case <-ctx.Done():
			nc.Close()
		}
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (n *NATSBus) IsConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nc != nil && n.nc.Status() == nats.CONNECTED
}

// Publish is at-most-once. It fails fast while the connection is down
// rather than buffering into the reconnect window.
func (n *NATSBus) Publish(ctx context.Context, env *Envelope) error {
	if !Validate(env.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, env.Subject)
	}
	n.mu.RLock()
	nc := n.nc
	n.mu.RUnlock()
	if nc == nil || nc.Status() != nats.CONNECTED {
		return ErrNotConnected
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: env.Subject, Data: data, Header: headerFromMetadata(env.Metadata)}
	if err := nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, env.Subject, err)
	}
	n.hooks.publish(env.Subject, false)
	return nil
}

// PublishDurable is at-least-once: it blocks until the broker acknowledges
// the write into a stream. An empty stream name lets the broker pick the
// stream that covers the subject.
func (n *NATSBus) PublishDurable(ctx context.Context, env *Envelope, stream string) (*PubAck, error) {
	if !Validate(env.Subject) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubject, env.Subject)
	}
	n.mu.RLock()
	nc, js := n.nc, n.js
	n.mu.RUnlock()
	if nc == nil || nc.Status() != nats.CONNECTED {
		return nil, ErrNotConnected
	}
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	opts := []nats.PubOpt{nats.Context(ctx)}
	if stream != "" {
		opts = append(opts, nats.ExpectStream(stream))
	}
	ack, err := js.PublishMsg(&nats.Msg{
		Subject: env.Subject,
		Data:    data,
		Header:  headerFromMetadata(env.Metadata),
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: durable %s: %v", ErrPublishFailed, env.Subject, err)
	}
	n.hooks.publish(env.Subject, true)
	return &PubAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

func (n *NATSBus) Subscribe(ctx context.Context, subject string, h Handler) (string, error) {
	return n.QueueSubscribe(ctx, subject, "", h)
}

func (n *NATSBus) QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (string, error) {
	if !Validate(subject) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	if h == nil {
		return "", fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil || n.nc.Status() != nats.CONNECTED {
		return "", ErrNotConnected
	}

	base := n.baseCtx
	cb := func(msg *nats.Msg) {
		env, err := decodeMsg(msg)
		if err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable message")
			n.fireError(err)
			return
		}
		n.hooks.deliver(env.Subject)
		n.invoke(base, subject, h, env)
	}

	var sub *nats.Subscription
	var err error
	if queue == "" {
		sub, err = n.nc.Subscribe(subject, cb)
	} else {
		sub, err = n.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, subject, err)
	}

	id := uuid.NewString()
	n.subs[id] = sub
	return id, nil
}

// Unsubscribe cancels the broker-side subscription before forgetting it
// locally. Removing only the map entry would leave the broker delivering to
// a dead handler.
func (n *NATSBus) Unsubscribe(subID string) error {
	n.mu.Lock()
	sub, ok := n.subs[subID]
	if ok {
		delete(n.subs, subID)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubscription, subID)
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%w: cancel: %v", ErrSubscribeFailed, err)
	}
	return nil
}

// Request publishes env with a single-use reply inbox and waits for the
// first reply. The broker cancels the inbox after one delivery, so late
// replies vanish without a handler.
func (n *NATSBus) Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error) {
	if timeout <= 0 {
		timeout = n.cfg.RequestTimeout
	}
	n.mu.RLock()
	nc := n.nc
	n.mu.RUnlock()
	if nc == nil || nc.Status() != nats.CONNECTED {
		return nil, ErrNotConnected
	}

	inbox := InboxSubject(uuid.NewString())
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("%w: inbox: %v", ErrSubscribeFailed, err)
	}
	defer sub.Unsubscribe()
	if err := sub.AutoUnsubscribe(1); err != nil {
		return nil, fmt.Errorf("%w: inbox: %v", ErrSubscribeFailed, err)
	}

	env.WithMetadata(MetaReplyTo, inbox)
	env.WithMetadata(MetaCorrelationID, env.CorrelationID)
	if err := n.Publish(ctx, env); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := sub.NextMsgWithContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, env.Subject, timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return decodeMsg(msg)
}

func (n *NATSBus) Reply(ctx context.Context, original *Envelope, data map[string]any) error {
	reply, err := ReplyEnvelope(original, n.cfg.Name, data)
	if err != nil {
		return err
	}
	return n.Publish(ctx, reply)
}

// CreateStream makes a durable stream, updating it in place when it already
// exists.
func (n *NATSBus) CreateStream(ctx context.Context, cfg StreamConfig) error {
	if cfg.Name == "" || len(cfg.Subjects) == 0 {
		return fmt.Errorf("%w: stream needs a name and subjects", ErrStreamFailed)
	}
	for _, s := range cfg.Subjects {
		if !Validate(s) {
			return fmt.Errorf("%w: %q", ErrInvalidSubject, s)
		}
	}
	n.mu.RLock()
	js := n.js
	n.mu.RUnlock()
	if js == nil {
		return ErrNotConnected
	}

	sc := &nats.StreamConfig{
		Name:      cfg.Name,
		Subjects:  cfg.Subjects,
		Retention: retentionPolicy(cfg.Retention),
		MaxMsgs:   cfg.MaxMsgs,
		MaxBytes:  cfg.MaxBytes,
	}
	_, err := js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case err == nil:
		if _, err := js.UpdateStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: update %s: %v", ErrStreamFailed, cfg.Name, err)
		}
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(sc, nats.Context(ctx)); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrStreamFailed, cfg.Name, err)
		}
	default:
		return fmt.Errorf("%w: info %s: %v", ErrStreamFailed, cfg.Name, err)
	}
	return nil
}

// KeyValue opens (or creates) a JetStream key/value bucket. The memory store
// rides on this.
func (n *NATSBus) KeyValue(bucket string) (nats.KeyValue, error) {
	n.mu.RLock()
	js := n.js
	n.mu.RUnlock()
	if js == nil {
		return nil, ErrNotConnected
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: bucket %s: %v", ErrStreamFailed, bucket, err)
	}
	return kv, nil
}

func (n *NATSBus) OnConnect(fn func()) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onConnect = append(n.onConnect, fn)
}

func (n *NATSBus) OnDisconnect(fn func(error)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onDisconnect = append(n.onDisconnect, fn)
}

func (n *NATSBus) OnError(fn func(error)) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	n.onError = append(n.onError, fn)
}

func (n *NATSBus) invoke(ctx context.Context, subject string, h Handler, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic on %s: %v", subject, r)
			log.Error().Str("subject", env.Subject).Interface("panic", r).Msg("bus handler panicked")
			n.hooks.handlerError(env.Subject, err)
			n.fireError(err)
		}
	}()
	if err := h(ctx, env); err != nil {
		log.Warn().Err(err).Str("subject", env.Subject).Msg("bus handler error")
		n.hooks.handlerError(env.Subject, err)
		n.fireError(err)
	}
}

func (n *NATSBus) fireError(err error) {
	n.cbMu.Lock()
	cbs := make([]func(error), len(n.onError))
	copy(cbs, n.onError)
	n.cbMu.Unlock()
	for _, fn := range cbs {
		fn(err)
	}
}

func (n *NATSBus) connectCallbacks() []func() {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	out := make([]func(), len(n.onConnect))
	copy(out, n.onConnect)
	return out
}

func (n *NATSBus) disconnectCallbacks() []func(error) {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	out := make([]func(error), len(n.onDisconnect))
	copy(out, n.onDisconnect)
	return out
}

// decodeMsg parses an envelope and folds broker headers into its metadata
// (body values win on conflict). Header keys come back MIME-canonicalized,
// so they are lowercased to match the metadata key space.
func decodeMsg(msg *nats.Msg) (*Envelope, error) {
	env, err := Decode(msg.Data)
	if err != nil {
		return nil, err
	}
	for key, vals := range msg.Header {
		if len(vals) == 0 {
			continue
		}
		k := strings.ToLower(key)
		if _, ok := env.Metadata[k]; !ok {
			env.WithMetadata(k, vals[0])
		}
	}
	return env, nil
}

func headerFromMetadata(meta map[string]string) nats.Header {
	if len(meta) == 0 {
		return nil
	}
	h := nats.Header{}
	for k, v := range meta {
		h.Set(k, v)
	}
	return h
}

func retentionPolicy(r RetentionPolicy) nats.RetentionPolicy {
	switch r {
	case RetentionInterest:
		return nats.InterestPolicy
	case RetentionWorkQueue:
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}
