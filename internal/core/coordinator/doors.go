package coordinator

import (
	"context"
	"log/slog"

	"github.com/trymwestin/ufanet/internal/core/state"
	"github.com/trymwestin/ufanet/internal/core/transport"
)

// DoorOpener triggers the remote door-open action.
type DoorOpener interface {
	OpenDoor(ctx context.Context, intercomID int) (bool, error)
}

// Doors passes door-open requests straight to the backend and announces the
// outcome on the event bus. It does not touch the snapshot.
type Doors struct {
	opener DoorOpener
	bus    *state.EventBus
	log    *slog.Logger
}

// NewDoors wraps opener. bus may be nil.
func NewDoors(opener DoorOpener, bus *state.EventBus, log *slog.Logger) *Doors {
	return &Doors{opener: opener, bus: bus, log: log}
}

// OpenDoor makes one remote open attempt and returns the backend's result
// or its typed error unchanged.
func (d *Doors) OpenDoor(ctx context.Context, intercomID int) (bool, error) {
	ok, err := d.opener.OpenDoor(ctx, intercomID)

	evt := state.DoorEvent{IntercomID: intercomID, Result: ok}
	typ := state.EventDoorOpened
	if err != nil {
		typ = state.EventDoorFailed
		evt.Error = err.Error()
		evt.Kind = transport.KindUnexpected
		if k, found := transport.KindOf(err); found {
			evt.Kind = k
		}
		d.log.Warn("door open failed", "intercom_id", intercomID, "kind", evt.Kind, "error", err)
	}
	if d.bus != nil {
		d.bus.Publish(state.Event{Type: typ, Data: evt})
	}
	return ok, err
}
