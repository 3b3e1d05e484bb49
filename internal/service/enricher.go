package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/remembr/remembr/internal/config"
	registryembed "github.com/remembr/remembr/internal/registry/embed"
	registrystore "github.com/remembr/remembr/internal/registry/store"
	"github.com/remembr/remembr/internal/security"
)

const embedAttemptTimeout = 30 * time.Second

// EnrichTask identifies one episode awaiting an embedding.
type EnrichTask struct {
	EpisodeID uuid.UUID
	OrgID     uuid.UUID
}

// Enricher consumes enrichment tasks on a bounded queue and attaches
// embeddings to episodes. Enrichment is asynchronous: the logging path
// never waits on the embedding provider, and a full queue drops the
// task rather than block (the backfill sweeper picks up anything
// dropped).
type Enricher struct {
	store    registrystore.Store
	embedder registryembed.Embedder
	queue    chan EnrichTask
	workers  int
	attempts int

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewEnricher creates an enricher sized from config. A nil embedder
// disables enrichment; Submit becomes a no-op.
func NewEnricher(store registrystore.Store, embedder registryembed.Embedder, cfg *config.Config) *Enricher {
	return &Enricher{
		store:    store,
		embedder: embedder,
		queue:    make(chan EnrichTask, cfg.EmbedQueueSize),
		workers:  cfg.EmbedWorkers,
		attempts: cfg.EmbedAttemptLimit,
	}
}

// Submit enqueues an episode for enrichment. It never blocks: when the
// queue is full the task is dropped and left to the backfill sweeper.
func (e *Enricher) Submit(task EnrichTask) {
	if e == nil || e.embedder == nil {
		return
	}
	select {
	case e.queue <- task:
		if security.EmbedQueueDepth != nil {
			security.EmbedQueueDepth.Set(float64(len(e.queue)))
		}
	default:
		log.Warn("Enricher: queue full, deferring to backfill", "episodeId", task.EpisodeID)
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled;
// Wait blocks until they have drained.
func (e *Enricher) Start(ctx context.Context) {
	if e == nil || e.embedder == nil {
		log.Info("Enricher disabled (no embedder)")
		return
	}
	e.startOnce.Do(func() {
		for i := 0; i < e.workers; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.work(ctx)
			}()
		}
		log.Info("Enricher started", "workers", e.workers, "queueSize", cap(e.queue))
	})
}

// Wait blocks until all workers have stopped.
func (e *Enricher) Wait() {
	e.wg.Wait()
}

func (e *Enricher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			if security.EmbedQueueDepth != nil {
				security.EmbedQueueDepth.Set(float64(len(e.queue)))
			}
			if err := e.enrich(ctx, task); err != nil {
				if security.EmbedFailuresTotal != nil {
					security.EmbedFailuresTotal.Inc()
				}
				log.Error("Enricher: enrichment failed", "episodeId", task.EpisodeID, "err", err)
			}
		}
	}
}

// enrich embeds one episode, retrying transient provider failures with
// jittered backoff up to the configured attempt limit.
func (e *Enricher) enrich(ctx context.Context, task EnrichTask) error {
	target, err := e.store.GetEnrichTarget(ctx, task.OrgID, task.EpisodeID)
	if err != nil {
		return err
	}
	if target == nil {
		// Forgotten before we got to it.
		return nil
	}

	var vector []float32
	embed := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, embedAttemptTimeout)
		defer cancel()
		vectors, err := e.embedder.EmbedTexts(attemptCtx, []string{target.Content})
		if err != nil {
			return err
		}
		if len(vectors) != 1 {
			return backoff.Permanent(fmt.Errorf("expected 1 embedding, got %d", len(vectors)))
		}
		vector = vectors[0]
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(e.attempts-1, 0))),
		ctx,
	)
	if err := backoff.Retry(embed, policy); err != nil {
		return fmt.Errorf("embed episode %s: %w", task.EpisodeID, err)
	}

	return e.store.InsertEmbedding(ctx, registrystore.InsertEmbeddingRequest{
		OrgID:      target.OrgID,
		EpisodeID:  target.EpisodeID,
		Content:    target.Content,
		Model:      e.embedder.ModelName(),
		Dimensions: e.embedder.Dimension(),
		Vector:     vector,
	})
}
