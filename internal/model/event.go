package model

import "github.com/google/uuid"

// EntityKind identifies which table a change event refers to.
type EntityKind string

const (
	EntityJob    EntityKind = "job"
	EntityOutput EntityKind = "output"
)

// EventKind identifies the mutation a change event reports.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// ChangeEvent is the push-channel notification payload for job and output
// mutations within a parent collection.
//
// Delivery is at-least-once and possibly reordered. Consumers must treat an
// event as "something in this collection may have changed", never as a
// description of what changed.
type ChangeEvent struct {
	ParentID   string     `json:"parent_id"`
	EntityKind EntityKind `json:"entity_kind"`
	EventKind  EventKind  `json:"event_kind"`
	EntityID   uuid.UUID  `json:"entity_id"`
}
