package events

import (
	"context"
	"fmt"
	"log/slog"

	"eligibility-gateway/internal/cache"
	"eligibility-gateway/internal/domain"
)

// GroupCacheUpdater is the consumer group that writes completion events into
// the result cache.
const GroupCacheUpdater = "cache-updater"

// GroupMetricsObserver is the consumer group that tallies pipeline events.
const GroupMetricsObserver = "metrics-observer"

// NewCacheUpdater returns the handler that materializes completion events as
// cache entries. Put is a whole-entry overwrite keyed by fingerprint, so
// redelivery is naturally idempotent. Cached-type events are skipped: they
// describe a read, not a new result.
func NewCacheUpdater(store cache.Store, policy cache.TTLPolicy, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, ev domain.CompletionEvent) error {
		entry, ok := cache.EntryFromEvent(ev, policy)
		if !ok {
			return nil
		}
		if err := store.Put(ctx, entry); err != nil {
			return fmt.Errorf("cache put for %s: %w", ev.Fingerprint, err)
		}
		logger.Debug("cache updated from event",
			"event_id", ev.EventID, "fingerprint", ev.Fingerprint, "type", ev.Type, "ttl", entry.TTL)
		return nil
	}
}
