package bus

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Handler consumes one envelope. Handlers on a single subscription run
// sequentially in arrival order; a returned error is logged and surfaced to
// OnError without tearing down the subscription. Handlers must not block for
// long: they share the subscription's dispatch goroutine.
type Handler func(ctx context.Context, env *Envelope) error

// RetentionPolicy selects how a durable stream discards messages.
type RetentionPolicy string

const (
	RetentionLimits    RetentionPolicy = "limits"
	RetentionInterest  RetentionPolicy = "interest"
	RetentionWorkQueue RetentionPolicy = "workqueue"
)

// StreamConfig describes a durable stream for at-least-once publishes.
type StreamConfig struct {
	Name      string          `yaml:"name" json:"name"`
	Subjects  []string        `yaml:"subjects" json:"subjects"`
	Retention RetentionPolicy `yaml:"retention" json:"retention"`
	MaxMsgs   int64           `yaml:"max_msgs" json:"max_msgs"`
	MaxBytes  int64           `yaml:"max_bytes" json:"max_bytes"`
}

// PubAck is the broker's acknowledgement of a durable publish.
type PubAck struct {
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
}

// Bus is the client-side abstraction over the hierarchical pub/sub broker.
//
// Publish is at-most-once and fails fast with ErrNotConnected while the
// connection is down. PublishDurable is at-least-once and blocks until the
// broker acknowledges. Unsubscribe cancels the broker-side subscription, not
// merely local bookkeeping. Request allocates a single-use reply inbox that
// is closed after the first reply; late replies are dropped silently.
type Bus interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Publish(ctx context.Context, env *Envelope) error
	PublishDurable(ctx context.Context, env *Envelope, stream string) (*PubAck, error)
	Subscribe(ctx context.Context, subject string, h Handler) (string, error)
	QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (string, error)
	Unsubscribe(subID string) error
	Request(ctx context.Context, env *Envelope, timeout time.Duration) (*Envelope, error)
	Reply(ctx context.Context, original *Envelope, data map[string]any) error
	CreateStream(ctx context.Context, cfg StreamConfig) error

	OnConnect(fn func())
	OnDisconnect(fn func(err error))
	OnError(fn func(err error))
}

// Config carries connection settings shared by all implementations.
type Config struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxPingsOut    int           `yaml:"max_pings_out"`
}

// DefaultConfig returns settings suitable for a local broker.
func DefaultConfig() Config {
	return Config{
		URL:            "nats://127.0.0.1:4222",
		Name:           "roseycore",
		MaxReconnects:  10,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		PingInterval:   2 * time.Minute,
		MaxPingsOut:    2,
	}
}

func (c *Config) withDefaults() Config {
	out := *c
	def := DefaultConfig()
	if out.URL == "" {
		out.URL = def.URL
	}
	if out.Name == "" {
		out.Name = def.Name
	}
	if out.MaxReconnects == 0 {
		out.MaxReconnects = def.MaxReconnects
	}
	if out.ReconnectWait == 0 {
		out.ReconnectWait = def.ReconnectWait
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = def.ConnectTimeout
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = def.RequestTimeout
	}
	if out.PingInterval == 0 {
		out.PingInterval = def.PingInterval
	}
	if out.MaxPingsOut == 0 {
		out.MaxPingsOut = def.MaxPingsOut
	}
	return out
}

// Dial selects an implementation by URL scheme: nats:// for a real broker,
// mem:// for the in-process bus used by tests and dev mode. The returned Bus
// is not yet connected.
func Dial(cfg Config) (Bus, error) {
	cfg = cfg.withDefaults()
	switch {
	case strings.HasPrefix(cfg.URL, "nats://"), strings.HasPrefix(cfg.URL, "tls://"):
		return NewNATSBus(cfg), nil
	case strings.HasPrefix(cfg.URL, "mem://"):
		return NewMemBus(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, cfg.URL)
	}
}
