package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/remembr/remembr/internal/config"
	registrystore "github.com/remembr/remembr/internal/registry/store"
)

// BackfillSweeper periodically scans for episodes that never received
// an embedding (dropped tasks, crashes, provider outages) and resubmits
// them to the enricher. Checkpoint episodes are excluded at the query.
type BackfillSweeper struct {
	store    registrystore.Store
	enricher *Enricher
	interval time.Duration
	batch    int
}

func NewBackfillSweeper(store registrystore.Store, enricher *Enricher, cfg *config.Config) *BackfillSweeper {
	return &BackfillSweeper{
		store:    store,
		enricher: enricher,
		interval: cfg.EmbedSweepEvery,
		batch:    cfg.EmbedBatchSize,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (b *BackfillSweeper) Start(ctx context.Context) {
	if b.enricher == nil || b.enricher.embedder == nil || b.interval <= 0 {
		log.Info("Backfill sweeper disabled")
		return
	}
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

func (b *BackfillSweeper) sweep(ctx context.Context) {
	targets, err := b.store.FindEpisodesMissingEmbedding(ctx, b.batch)
	if err != nil {
		log.Error("Backfill: find missing embeddings failed", "err", err)
		return
	}
	for _, t := range targets {
		b.enricher.Submit(EnrichTask{EpisodeID: t.EpisodeID, OrgID: t.OrgID})
	}
	if len(targets) > 0 {
		log.Info("Backfill: resubmitted episodes", "count", len(targets))
	}
}
