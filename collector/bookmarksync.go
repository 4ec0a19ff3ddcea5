package collector

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/coriolis-labs/ingestor/bookmark"
)

// NewBookmarkSyncer is a thin convenience constructor so poller
// collectors in this package don't need their own import of the
// bookmark package's Syncer type name.
func NewBookmarkSyncer(store bookmark.Store, interval time.Duration, logger zerolog.Logger) *bookmark.Syncer {
	return bookmark.NewSyncer(store, interval, logger)
}
