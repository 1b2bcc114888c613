package httpapi

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"roomcast/signaling/internal/store"
)

// ActivityReader formats the last-created and last-accessed markers the CRUD
// layer maintains in the shared store. Values are epoch milliseconds; a
// missing or unreadable marker reads as the epoch, which renders as a very
// long time ago rather than an error.
type ActivityReader struct {
	store store.Store
	now   func() time.Time
}

// NewActivityReader wraps the shared store for activity reporting.
func NewActivityReader(s store.Store, clock func() time.Time) *ActivityReader {
	if clock == nil {
		clock = time.Now
	}
	return &ActivityReader{store: s, now: clock}
}

// Read fetches all four activity markers.
func (a *ActivityReader) Read(ctx context.Context) map[string]string {
	return map[string]string{
		"lastCreatedIdentity":  a.ago(ctx, "activity/identities/last-created"),
		"lastCreatedRoom":      a.ago(ctx, "activity/rooms/last-created"),
		"lastAccessedIdentity": a.ago(ctx, "activity/identities/last-accessed"),
		"lastAccessedRoom":     a.ago(ctx, "activity/rooms/last-accessed"),
	}
}

func (a *ActivityReader) ago(ctx context.Context, key string) string {
	var millis int64
	if a.store != nil {
		if raw, err := a.store.Get(ctx, key); err == nil && raw != nil {
			if parsed, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64); err == nil {
				millis = parsed
			}
		}
	}
	return formatAgo(a.now().Sub(time.UnixMilli(millis)))
}

// formatAgo renders `<days>d <hours>h <minutes>m <seconds>s ago` with the
// sub-day fields wrapped into their natural ranges.
func formatAgo(elapsed time.Duration) string {
	if elapsed < 0 {
		elapsed = 0
	}
	ms := elapsed.Milliseconds()
	days := ms / (24 * 60 * 60 * 1000)
	hours := ms / (60 * 60 * 1000) % 24
	minutes := ms / (60 * 1000) % 60
	seconds := ms / 1000 % 60
	return fmt.Sprintf("%dd %dh %dm %ds ago", days, hours, minutes, seconds)
}
