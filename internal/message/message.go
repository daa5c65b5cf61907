// Package message defines the on-wire task/control envelope shared by every
// broker implementation, the producer, the dispatcher, and the control
// client.
package message

import "encoding/json"

// OnDuplicate is the policy token controlling how the worker pool treats a
// newly arrived message whose dedup key matches a task that is already
// running or staged.
type OnDuplicate string

const (
	// Parallel always dispatches, regardless of what else shares the key.
	Parallel OnDuplicate = "parallel"
	// Discard drops the new message if the key is running or staged.
	Discard OnDuplicate = "discard"
	// Serial queues the new message; at most one task per key runs at a time.
	Serial OnDuplicate = "serial"
	// QueueOne keeps at most one pending message in addition to the running
	// one; a further arrival either replaces the staged message or is dropped,
	// as workerpool.Config.QueueOneReplaces selects (see DESIGN.md).
	QueueOne OnDuplicate = "queue_one"
)

// IsValid reports whether p is one of the four recognized policy tokens.
func (p OnDuplicate) IsValid() bool {
	switch p {
	case Parallel, Discard, Serial, QueueOne:
		return true
	}
	return false
}

// Message is the canonical in-core form of the text payload carried by a
// broker. Field names follow the wire protocol exactly (see spec.md §3)
// rather than Go naming conventions, since third-party publishers encode
// this shape directly as JSON.
type Message struct {
	Task        string          `json:"task,omitempty"`
	UUID        string          `json:"uuid,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	Delay       float64         `json:"delay,omitempty"`
	OnDuplicate OnDuplicate     `json:"on_duplicate,omitempty"`
	Control     string          `json:"control,omitempty"`
	ControlData json.RawMessage `json:"control_data,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
}

// HasDelay reports whether the message carries a positive delay.
func (m *Message) HasDelay() bool {
	return m.Delay > 0
}

// HasControl reports whether this message should be routed to the control
// handler rather than to the worker pool.
func (m *Message) HasControl() bool {
	return m.Control != ""
}

// DedupKey returns the key the worker pool's on_duplicate policies compare
// against. It is the UUID unless the UUID was auto-assigned by the
// dispatcher (the "internal-<N>" form), in which case the publisher gave no
// meaningful identity and the task expression itself becomes the key, per
// spec.md §4.2.
func (m *Message) DedupKey() string {
	if m.UUID != "" && !isInternalUUID(m.UUID) {
		return m.UUID
	}
	return m.Task
}

func isInternalUUID(uuid string) bool {
	const prefix = "internal-"
	return len(uuid) > len(prefix) && uuid[:len(prefix)] == prefix
}

// Normalize decodes a raw text payload into a Message. A payload that fails
// to parse as a JSON object is treated as a literal task expression, per
// spec.md §3 and §6 ("non-object payloads are treated as the literal task
// string").
func Normalize(payload string) Message {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{Task: payload}
	}
	return m
}

// Encode serializes m back to its wire form.
func Encode(m Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
