package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders envelopes for consumers that care; the bus itself does not
// reorder. Encoded as an integer on the wire.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Metadata keys with bus-level meaning.
const (
	MetaCorrelationID = "correlation_id"
	MetaReplyTo       = "reply_to"
)

// Envelope is the unit of exchange on the bus. Data is an opaque payload the
// core routes but never interprets; Metadata carries string-valued transport
// concerns such as reply inboxes and correlation propagation.
type Envelope struct {
	Subject       string            `json:"subject"`
	EventType     string            `json:"event_type"`
	Source        string            `json:"source"`
	Data          map[string]any    `json:"data"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     float64           `json:"timestamp"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// New builds an envelope with a fresh correlation id, the current timestamp,
// and normal priority. A nil data map becomes an empty one so the required
// field is always present on the wire.
func New(subject, eventType, source string, data map[string]any) *Envelope {
	if data == nil {
		data = map[string]any{}
	}
	return &Envelope{
		Subject:       subject,
		EventType:     eventType,
		Source:        source,
		Data:          data,
		CorrelationID: uuid.NewString(),
		Timestamp:     nowEpoch(),
		Priority:      PriorityNormal,
	}
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// WithPriority sets the priority and returns the envelope for chaining.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Priority = p
	return e
}

// WithCorrelationID replaces the correlation id.
func (e *Envelope) WithCorrelationID(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithMetadata sets one metadata key.
func (e *Envelope) WithMetadata(key, value string) *Envelope {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
	return e
}

// ReplyTo returns the reply inbox, if the producer requested one.
func (e *Envelope) ReplyTo() string {
	return e.Metadata[MetaReplyTo]
}

// Time converts the float epoch timestamp back to a time.Time.
func (e *Envelope) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Validate checks the fields the decoder also insists on.
func (e *Envelope) Validate() error {
	if !Validate(e.Subject) {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, e.Subject)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: missing event_type", ErrCodec)
	}
	if e.Source == "" {
		return fmt.Errorf("%w: missing source", ErrCodec)
	}
	if e.Data == nil {
		return fmt.Errorf("%w: missing data", ErrCodec)
	}
	if !e.Priority.valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrCodec, e.Priority)
	}
	return nil
}

// Encode serializes the envelope to JSON, stamping defaults for zero-valued
// timestamp and priority.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if e.Timestamp == 0 {
		e.Timestamp = nowEpoch()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return b, nil
}

// Decode parses an envelope from JSON. Unknown fields are ignored for
// forward compatibility; missing subject, event_type, source, or data are
// rejected. An absent priority defaults to normal; an absent correlation id
// is generated so every envelope in the system stays traceable.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReplyEnvelope builds the response to a request envelope: addressed to the
// caller's inbox, tagged as a reply, carrying the originator's correlation id
// in both the field and metadata.
func ReplyEnvelope(original *Envelope, source string, data map[string]any) (*Envelope, error) {
	inbox := original.ReplyTo()
	if inbox == "" {
		return nil, ErrNoReplyTo
	}
	reply := New(inbox, original.EventType+".reply", source, data)
	reply.CorrelationID = original.CorrelationID
	reply.WithMetadata(MetaCorrelationID, original.CorrelationID)
	reply.Priority = original.Priority
	return reply, nil
}
