package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSKV backs the store with a JetStream key/value bucket. It is the only
// backend with revisions, so appends there use compare-and-set.
//
// The broker restricts key characters, so keys are escaped byte-wise: any
// byte outside [A-Za-z0-9_/.-] becomes "=xx" (lowercase hex). The escaping
// is prefix-preserving, which keeps prefix listing correct.
type NATSKV struct {
	kv nats.KeyValue
}

// NewNATSKV wraps an opened bucket.
func NewNATSKV(kv nats.KeyValue) *NATSKV {
	return &NATSKV{kv: kv}
}

func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.kv.Get(encodeKey(key))
	if err != nil {
		return nil, mapKVErr(err)
	}
	return entry.Value(), nil
}

func (n *NATSKV) GetRev(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := n.kv.Get(encodeKey(key))
	if err != nil {
		return nil, 0, mapKVErr(err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (n *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	if _, err := n.kv.Put(encodeKey(key), value); err != nil {
		return mapKVErr(err)
	}
	return nil
}

func (n *NATSKV) PutRev(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	var (
		newRev uint64
		err    error
	)
	if rev == 0 {
		newRev, err = n.kv.Create(encodeKey(key), value)
	} else {
		newRev, err = n.kv.Update(encodeKey(key), value, rev)
	}
	if err != nil {
		return 0, mapKVErr(err)
	}
	return newRev, nil
}

func (n *NATSKV) Delete(ctx context.Context, key string) error {
	if err := n.kv.Delete(encodeKey(key)); err != nil {
		return mapKVErr(err)
	}
	return nil
}

func (n *NATSKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := n.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, mapKVErr(err)
	}
	enc := encodeKey(prefix)
	var out []string
	for _, k := range all {
		if strings.HasPrefix(k, enc) {
			out = append(out, decodeKey(k))
		}
	}
	return out, nil
}

func (n *NATSKV) Close() error { return nil }

func mapKVErr(err error) error {
	switch {
	case errors.Is(err, nats.ErrKeyNotFound), errors.Is(err, nats.ErrKeyDeleted):
		return ErrKeyNotFound
	case errors.Is(err, nats.ErrKeyExists):
		return ErrConflict
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence {
		return ErrConflict
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func keySafe(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '/' || b == '.' || b == '-':
		return true
	}
	return false
}

func encodeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		if b := key[i]; keySafe(b) {
			sb.WriteByte(b)
		} else {
			fmt.Fprintf(&sb, "=%02x", b)
		}
	}
	return sb.String()
}

func decodeKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); {
		if key[i] == '=' && i+2 < len(key) {
			if b, err := strconv.ParseUint(key[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(b))
				i += 3
				continue
			}
		}
		sb.WriteByte(key[i])
		i++
	}
	return sb.String()
}
