package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remembr/remembr/internal/config"
	registrystore "github.com/remembr/remembr/internal/registry/store"
)

type fakeEnrichStore struct {
	registrystore.Store

	mu       sync.Mutex
	targets  map[uuid.UUID]*registrystore.EnrichTarget
	inserted []registrystore.InsertEmbeddingRequest
}

func newFakeEnrichStore() *fakeEnrichStore {
	return &fakeEnrichStore{targets: map[uuid.UUID]*registrystore.EnrichTarget{}}
}

func (f *fakeEnrichStore) GetEnrichTarget(_ context.Context, _, episodeID uuid.UUID) (*registrystore.EnrichTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.targets[episodeID], nil
}

func (f *fakeEnrichStore) InsertEmbedding(_ context.Context, req registrystore.InsertEmbeddingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, req)
	return nil
}

func (f *fakeEnrichStore) FindEpisodesMissingEmbedding(_ context.Context, _ int) ([]registrystore.EnrichTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registrystore.EnrichTarget
	for _, t := range f.targets {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeEnrichStore) insertedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type flakyEmbedder struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *flakyEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, 4)
	}
	return out, nil
}

func (e *flakyEmbedder) ModelName() string { return "flaky" }
func (e *flakyEmbedder) Dimension() int    { return 4 }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEnricherEmbedsSubmittedEpisode(t *testing.T) {
	st := newFakeEnrichStore()
	epID, orgID := uuid.New(), uuid.New()
	st.targets[epID] = &registrystore.EnrichTarget{EpisodeID: epID, OrgID: orgID, Content: "hello"}

	cfg := config.DefaultConfig()
	e := NewEnricher(st, &flakyEmbedder{}, &cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	e.Submit(EnrichTask{EpisodeID: epID, OrgID: orgID})

	waitFor(t, func() bool { return st.insertedCount() == 1 })
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, epID, st.inserted[0].EpisodeID)
	assert.Equal(t, "flaky", st.inserted[0].Model)
	assert.Equal(t, 4, st.inserted[0].Dimensions)
}

func TestEnricherRetriesTransientFailures(t *testing.T) {
	st := newFakeEnrichStore()
	epID := uuid.New()
	st.targets[epID] = &registrystore.EnrichTarget{EpisodeID: epID, OrgID: uuid.New(), Content: "retry me"}

	cfg := config.DefaultConfig()
	emb := &flakyEmbedder{failures: 2}
	e := NewEnricher(st, emb, &cfg)

	err := e.enrich(context.Background(), EnrichTask{EpisodeID: epID, OrgID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, 3, emb.calls)
	assert.Equal(t, 1, st.insertedCount())
}

func TestEnricherSkipsForgottenEpisode(t *testing.T) {
	st := newFakeEnrichStore()
	cfg := config.DefaultConfig()
	e := NewEnricher(st, &flakyEmbedder{}, &cfg)

	err := e.enrich(context.Background(), EnrichTask{EpisodeID: uuid.New(), OrgID: uuid.New()})
	require.NoError(t, err)
	assert.Zero(t, st.insertedCount())
}

func TestEnricherSubmitNeverBlocksWhenFull(t *testing.T) {
	st := newFakeEnrichStore()
	cfg := config.DefaultConfig()
	cfg.EmbedQueueSize = 1
	e := NewEnricher(st, &flakyEmbedder{}, &cfg)

	// No workers running; the second submit must drop, not block.
	done := make(chan struct{})
	go func() {
		e.Submit(EnrichTask{EpisodeID: uuid.New(), OrgID: uuid.New()})
		e.Submit(EnrichTask{EpisodeID: uuid.New(), OrgID: uuid.New()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full queue")
	}
}

func TestBackfillSweepResubmits(t *testing.T) {
	st := newFakeEnrichStore()
	epID := uuid.New()
	st.targets[epID] = &registrystore.EnrichTarget{EpisodeID: epID, OrgID: uuid.New(), Content: "orphan"}

	cfg := config.DefaultConfig()
	e := NewEnricher(st, &flakyEmbedder{}, &cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	sweeper := NewBackfillSweeper(st, e, &cfg)
	sweeper.sweep(ctx)

	waitFor(t, func() bool { return st.insertedCount() == 1 })
}
