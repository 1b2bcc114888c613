package store

import (
	"context"
	"encoding/json"

	"roomcast/signaling/internal/logging"
)

// RoomInfo is the slice of room metadata the signaling core cares about.
// Everything else under rooms/<id> belongs to the CRUD layer.
type RoomInfo struct {
	Access     *RoomAccess `json:"access,omitempty"`
	Moderators []string    `json:"moderators,omitempty"`
}

// RoomAccess optionally restricts a room to an explicit identity allow-list.
type RoomAccess struct {
	Identities []string `json:"identities,omitempty"`
}

// Rooms reads and maintains room-scoped records. Store failures degrade to
// "absent": a broken store must never take routing down with it.
type Rooms struct {
	store  Store
	logger *logging.Logger
}

// NewRooms wraps a Store with the room record layout.
func NewRooms(store Store, logger *logging.Logger) *Rooms {
	if logger == nil {
		logger = logging.L()
	}
	return &Rooms{store: store, logger: logger}
}

// Info fetches rooms/<roomID>, returning nil when absent or unreadable.
func (r *Rooms) Info(ctx context.Context, roomID string) *RoomInfo {
	raw, err := r.store.Get(ctx, "rooms/"+roomID)
	if err != nil {
		r.logger.Warn("room info lookup failed",
			logging.String("room_id", roomID), logging.Error(err))
		return nil
	}
	if raw == nil {
		return nil
	}
	var info RoomInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		r.logger.Warn("room info unparseable",
			logging.String("room_id", roomID), logging.Error(err))
		return nil
	}
	return &info
}

// Moderators returns the room's current moderator identities, fetched fresh
// per call so moderator changes take effect immediately.
func (r *Rooms) Moderators(ctx context.Context, roomID string) []string {
	info := r.Info(ctx, roomID)
	if info == nil {
		return nil
	}
	return info.Moderators
}

// AllowedIdentities returns the room's explicit allow-list, or nil when the
// room is open to any verified identity.
func (r *Rooms) AllowedIdentities(ctx context.Context, roomID string) []string {
	info := r.Info(ctx, roomID)
	if info == nil || info.Access == nil {
		return nil
	}
	return info.Access.Identities
}

// PurgeKeys drops the cached key material one identity left behind in
// <roomID>Keys. When the room has emptied the whole record goes away.
func (r *Rooms) PurgeKeys(ctx context.Context, roomID, publicKey string, roomNowEmpty bool) {
	key := roomID + "Keys"
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Warn("room keys lookup failed",
			logging.String("room_id", roomID), logging.Error(err))
		return
	}
	if raw == nil {
		return
	}
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		r.logger.Warn("room keys unparseable",
			logging.String("room_id", roomID), logging.Error(err))
		return
	}
	if _, ok := keys[publicKey]; !ok {
		return
	}
	delete(keys, publicKey)
	if roomNowEmpty {
		if err := r.store.Del(ctx, key); err != nil {
			r.logger.Warn("room keys delete failed",
				logging.String("room_id", roomID), logging.Error(err))
		}
		return
	}
	updated, err := json.Marshal(keys)
	if err != nil {
		return
	}
	if err := r.store.Set(ctx, key, updated); err != nil {
		r.logger.Warn("room keys update failed",
			logging.String("room_id", roomID), logging.Error(err))
	}
}
