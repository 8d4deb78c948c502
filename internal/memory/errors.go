package memory

import "errors"

var (
	ErrKeyNotFound   = errors.New("memory: key not found")
	ErrUnavailable   = errors.New("memory: store unavailable")
	ErrConflict      = errors.New("memory: concurrent update conflict")
	ErrInvalidRole   = errors.New("memory: invalid message role")
	ErrInvalidMemory = errors.New("memory: invalid memory record")
)
