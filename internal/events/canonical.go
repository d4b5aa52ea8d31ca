package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is a typed event body.
type Payload interface {
	EventType() Type
}

// Event is the envelope carried on the bus and stored in the outbox.
type Event struct {
	ID            uuid.UUID       `json:"event_id"`
	Type          Type            `json:"event_type"`
	ClinicID      string          `json:"clinic_id"`
	EntryID       *uuid.UUID      `json:"entry_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Option customizes the generated envelope.
type Option func(*Event)

// WithEventID overrides the generated event id (replays, tests).
func WithEventID(id uuid.UUID) Option {
	return func(e *Event) {
		if id != uuid.Nil {
			e.ID = id
		}
	}
}

// WithCorrelationID ties the event to the request that caused it.
func WithCorrelationID(id string) Option {
	return func(e *Event) {
		e.CorrelationID = strings.TrimSpace(id)
	}
}

var (
	errMissingClinic = errors.New("events: clinic id is required")
	errNilPayload    = errors.New("events: payload required")
)

// New builds an envelope for payload.
func New(clinicID string, entryID *uuid.UUID, payload Payload, at time.Time, opts ...Option) (Event, error) {
	if strings.TrimSpace(clinicID) == "" {
		return Event{}, errMissingClinic
	}
	if payload == nil {
		return Event{}, errNilPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal payload: %w", err)
	}
	ev := Event{
		ID:         uuid.New(),
		Type:       payload.EventType(),
		ClinicID:   strings.TrimSpace(clinicID),
		EntryID:    entryID,
		OccurredAt: at.UTC(),
		Payload:    data,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&ev)
		}
	}
	return ev, nil
}

// Decode unmarshals the payload of ev into dst, checking the type matches.
func Decode(ev Event, dst Payload) error {
	if ev.Type != dst.EventType() {
		return fmt.Errorf("events: decode: event is %s, not %s", ev.Type, dst.EventType())
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("events: decode %s: %w", ev.Type, err)
	}
	return nil
}
