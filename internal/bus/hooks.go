package bus

// Hooks are optional instrumentation points shared by the bus
// implementations. All fields may be nil. Callbacks must be fast and
// non-blocking: they run on publish and dispatch paths.
type Hooks struct {
	OnPublish      func(subject string, durable bool)
	OnDeliver      func(subject string)
	OnHandlerError func(subject string, err error)
}

func (h *Hooks) publish(subject string, durable bool) {
	if h != nil && h.OnPublish != nil {
		h.OnPublish(subject, durable)
	}
}

func (h *Hooks) deliver(subject string) {
	if h != nil && h.OnDeliver != nil {
		h.OnDeliver(subject)
	}
}

func (h *Hooks) handlerError(subject string, err error) {
	if h != nil && h.OnHandlerError != nil {
		h.OnHandlerError(subject, err)
	}
}

// HookSetter is implemented by bus clients that accept instrumentation.
type HookSetter interface {
	SetHooks(h *Hooks)
}
