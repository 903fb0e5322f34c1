package events

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventType is the kind of change an event reports
type EventType int

const (
	EventNone EventType = iota
	EventCreate
	EventUpdate
	EventDelete
)

var eventTypeNames = []string{"NONE", "CREATE", "UPDATE", "DELETE"}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventTypeNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

// ParseEventType accepts the upper or lower case name of an event type
func ParseEventType(s string) (EventType, error) {
	for i, name := range eventTypeNames {
		if strings.EqualFold(s, name) {
			return EventType(i), nil
		}
	}
	return EventNone, fmt.Errorf("unknown event type %q", s)
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(text []byte) error {
	parsed, err := ParseEventType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event is an immutable notification about a resource
type Event struct {
	ID             string            `json:"id"`
	ResourceID     string            `json:"resourceId"`
	ResourceKind   string            `json:"resourceKind"`
	ResourceLabels map[string]string `json:"resourceLabels,omitempty"`
	EventType      EventType         `json:"eventType"`
	Data           string            `json:"data"`
	CreatedAt      time.Time         `json:"createdAt"`

	// Readers snapshots the principals allowed to read a deleted resource,
	// since its grants are gone by the time the event is delivered.
	Readers []string `json:"-"`
}

// Filter selects events. Empty fields and EventNone match everything.
type Filter struct {
	ResourceID   string    `json:"resourceId,omitempty"`
	ResourceKind string    `json:"resourceKind,omitempty"`
	EventType    EventType `json:"eventType,omitempty"`
}

// Matches reports whether ev passes the filter
func (f Filter) Matches(ev *Event) bool {
	if f.ResourceID != "" && f.ResourceID != ev.ResourceID {
		return false
	}
	if f.ResourceKind != "" && f.ResourceKind != ev.ResourceKind {
		return false
	}
	if f.EventType != EventNone && f.EventType != ev.EventType {
		return false
	}
	return true
}

// Publisher is the write side of the bus used by the resource service
type Publisher interface {
	Publish(ctx context.Context, ev *Event) (*Event, error)
}

// Store persists published events
type Store interface {
	// Append assigns ev.ID and stores it
	Append(ctx context.Context, ev *Event) error
	// Range calls fn for events created before cutoff, oldest first
	Range(ctx context.Context, before time.Time, fn func(*Event) error) error
	// Prune deletes events created before cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Relay carries events between keel instances
type Relay interface {
	Publish(ctx context.Context, msg *RelayMessage) error
	// Run delivers messages from other instances until ctx is done
	Run(ctx context.Context, deliver func(*RelayMessage)) error
	Close() error
}

// RelayMessage is an event on the wire between instances
type RelayMessage struct {
	Origin    string   `json:"origin" cbor:"1,keyasint"`
	Event     *Event   `json:"event" cbor:"2,keyasint"`
	Readers   []string `json:"readers,omitempty" cbor:"3,keyasint,omitempty"`
	Truncated bool     `json:"truncated,omitempty" cbor:"4,keyasint,omitempty"`
}
