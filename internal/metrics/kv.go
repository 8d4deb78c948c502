package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roseybot/roseycore/internal/memory"
)

// KV wraps a memory backend, counting operations by op and result. A
// revisioned backend stays revisioned: the wrapper preserves RevKV so the
// store's compare-and-swap path remains active.
func (m *Metrics) KV(kv memory.KV) memory.KV {
	w := &countingKV{kv: kv, ops: m.MemoryOps}
	if rev, ok := kv.(memory.RevKV); ok {
		return &countingRevKV{countingKV: w, rev: rev}
	}
	return w
}

type countingKV struct {
	kv  memory.KV
	ops *prometheus.CounterVec
}

func (c *countingKV) count(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, memory.ErrKeyNotFound):
		result = "miss"
	case errors.Is(err, memory.ErrConflict):
		result = "conflict"
	default:
		result = "error"
	}
	c.ops.WithLabelValues(op, result).Inc()
}

func (c *countingKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := c.kv.Get(ctx, key)
	c.count("get", err)
	return v, err
}

func (c *countingKV) Put(ctx context.Context, key string, value []byte) error {
	err := c.kv.Put(ctx, key, value)
	c.count("put", err)
	return err
}

func (c *countingKV) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	c.count("delete", err)
	return err
}

func (c *countingKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.kv.Keys(ctx, prefix)
	c.count("keys", err)
	return keys, err
}

func (c *countingKV) Close() error { return c.kv.Close() }

type countingRevKV struct {
	*countingKV
	rev memory.RevKV
}

func (c *countingRevKV) GetRev(ctx context.Context, key string) ([]byte, uint64, error) {
	v, rev, err := c.rev.GetRev(ctx, key)
	c.count("get", err)
	return v, rev, err
}

func (c *countingRevKV) PutRev(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	next, err := c.rev.PutRev(ctx, key, value, rev)
	c.count("put", err)
	return next, err
}
