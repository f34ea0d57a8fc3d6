package pipeline

import (
	"encoding/json"
	"strconv"
)

// Event names delivered by the portal, plus the internal manual trigger.
const (
	EventItemAdd    = "ONCRMDYNAMICITEMADD"
	EventItemUpdate = "ONCRMDYNAMICITEMUPDATE"
	EventTaskAdd    = "ONTASKADD"
	EventTaskUpdate = "ONTASKUPDATE"
	EventManual     = "MANUAL"
)

// Event is the normalized tuple handed to the engine by the transport.
type Event struct {
	Event        string          `json:"event"`
	EntityTypeID int             `json:"entity_type_id"`
	ItemID       int             `json:"item_id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Key identifies the item the event belongs to.
func (e Event) Key() string {
	return strconv.Itoa(e.EntityTypeID) + ":" + strconv.Itoa(e.ItemID)
}

// Known reports whether the engine reacts to this event name.
func (e Event) Known() bool {
	switch e.Event {
	case EventItemAdd, EventItemUpdate, EventTaskAdd, EventTaskUpdate, EventManual:
		return true
	}
	return false
}

// Gated reports whether the event is skipped when nothing relevant changed
// on the item. Task events and manual runs always reconcile.
func (e Event) Gated() bool {
	return e.Event == EventItemAdd || e.Event == EventItemUpdate
}

// Manual reports whether an operator asked for this run.
func (e Event) Manual() bool {
	return e.Event == EventManual
}
