package tokenusage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagramflow/core/internal/domain"
	"github.com/diagramflow/core/internal/tokenusage"
)

// fakePersister records every batch handed to PersistBatch; failNext
// batches can be scripted to fail once each, to exercise the restore path.
type fakePersister struct {
	mu       sync.Mutex
	batches  [][]domain.TokenUsageRecord
	failures int
}

func (f *fakePersister) PersistBatch(ctx context.Context, records []domain.TokenUsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("simulated persist failure")
	}
	batch := make([]domain.TokenUsageRecord, len(records))
	copy(batch, records)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakePersister) totalRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, b := range f.batches {
		total += len(b)
	}
	return total
}

func TestWorker_Run_FlushesEnqueuedRecordsOnInterval(t *testing.T) {
	store := newStore(t)
	buf := tokenusage.New(tokenusage.Config{Store: store, Logger: testLogger()})
	persist := &fakePersister{}

	worker := tokenusage.NewWorker(buf, tokenusage.WorkerConfig{
		Store:          store,
		Persist:        persist,
		Logger:         testLogger(),
		FlushInterval:  50 * time.Millisecond,
		FlushThreshold: 1000,
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Enqueue(context.Background(), sampleRecord(domain.GenerateUserID())))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = worker.Run(ctx)

	assert.Equal(t, 5, persist.totalRecords())

	n, err := store.LLen(context.Background(), "tokenusage:queue")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "a successful flush must trim the store list")
}

func TestWorker_Run_RestoresBatchOnPersistFailure(t *testing.T) {
	store := newStore(t)
	buf := tokenusage.New(tokenusage.Config{Store: store, Logger: testLogger()})
	persist := &fakePersister{failures: 1}

	worker := tokenusage.NewWorker(buf, tokenusage.WorkerConfig{
		Store:          store,
		Persist:        persist,
		Logger:         testLogger(),
		FlushInterval:  40 * time.Millisecond,
		FlushThreshold: 1000,
	})

	require.NoError(t, buf.Enqueue(context.Background(), sampleRecord(domain.GenerateUserID())))

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_ = worker.Run(ctx)

	assert.Equal(t, 1, persist.totalRecords(), "the record must survive the failed attempt and persist on retry")
}

func TestWorker_Run_DrainsFallbackQueueAlongsideStore(t *testing.T) {
	store := newStore(t)
	buf := tokenusage.New(tokenusage.Config{Store: &unavailableStore{Store: store}, Logger: testLogger()})
	persist := &fakePersister{}

	// Enqueue through the degraded store so the record lands in the
	// in-process fallback queue, then point the worker at the real store
	// so its PopBatch/LPushBatch calls succeed once the outage "clears".
	require.NoError(t, buf.Enqueue(context.Background(), sampleRecord(domain.GenerateUserID())))

	worker := tokenusage.NewWorker(buf, tokenusage.WorkerConfig{
		Store:          store,
		Persist:        persist,
		Logger:         testLogger(),
		FlushInterval:  40 * time.Millisecond,
		FlushThreshold: 1000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_ = worker.Run(ctx)

	assert.Equal(t, 1, persist.totalRecords(), "records parked in the fallback queue must still reach the database")
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	store := newStore(t)
	buf := tokenusage.New(tokenusage.Config{Store: store, Logger: testLogger()})
	worker := tokenusage.NewWorker(buf, tokenusage.WorkerConfig{
		Store:          store,
		Persist:        &fakePersister{},
		Logger:         testLogger(),
		FlushInterval:  time.Hour,
		FlushThreshold: 1000,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := worker.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
