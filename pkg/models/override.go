package models

import "time"

// OverrideKind is the kind of a scheduling override.
type OverrideKind string

const (
	OverridePinThread    OverrideKind = "pin_thread"
	OverrideExcludeThread OverrideKind = "exclude_thread"
	OverrideInjectBeat   OverrideKind = "inject_beat"
	OverrideForceRescue  OverrideKind = "force_rescue"
)

// IsValid checks if the override kind is valid.
func (k OverrideKind) IsValid() bool {
	switch k {
	case OverridePinThread, OverrideExcludeThread, OverrideInjectBeat, OverrideForceRescue:
		return true
	default:
		return false
	}
}

// Override is an operator instruction consumed by the scheduler for one slot.
type Override struct {
	ID             string       `db:"id" json:"id"`
	TheatreID      string       `db:"theatre_id" json:"theatre_id"`
	SlotStart      time.Time    `db:"slot_start" json:"slot_start"`
	Kind           OverrideKind `db:"kind" json:"kind"`
	ThreadID       string       `db:"thread_id" json:"thread_id,omitempty"`
	BeatTemplateID string       `db:"beat_template_id" json:"beat_template_id,omitempty"`
	CreatedBy      string       `db:"created_by" json:"created_by"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
}
