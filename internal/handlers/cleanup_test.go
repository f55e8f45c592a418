package handlers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
)

type fakeCleanupStore struct {
	expiredSessions int64
	oldRunLogs      int64
	oldBatchRuns    int64
	export          []byte

	deletedSessions  int64
	deletedRunLogs   int64
	deletedBatchRuns int64
	exportErr        error
}

func (s *fakeCleanupStore) CountExpiredSessions(_ context.Context, _ time.Time) (int64, error) {
	return s.expiredSessions, nil
}

func (s *fakeCleanupStore) DeleteExpiredSessions(_ context.Context, _ time.Time) (int64, error) {
	s.deletedSessions = s.expiredSessions
	s.expiredSessions = 0
	return s.deletedSessions, nil
}

func (s *fakeCleanupStore) CountOldRunLogs(_ context.Context, _ time.Time) (int64, error) {
	return s.oldRunLogs, nil
}

func (s *fakeCleanupStore) ExportOldRunLogs(_ context.Context, _ time.Time) ([]byte, error) {
	if s.exportErr != nil {
		return nil, s.exportErr
	}
	return s.export, nil
}

func (s *fakeCleanupStore) DeleteOldRunLogs(_ context.Context, _ time.Time) (int64, error) {
	s.deletedRunLogs = s.oldRunLogs
	s.oldRunLogs = 0
	return s.deletedRunLogs, nil
}

func (s *fakeCleanupStore) CountOldBatchRuns(_ context.Context, _ time.Time) (int64, error) {
	return s.oldBatchRuns, nil
}

func (s *fakeCleanupStore) DeleteOldBatchRuns(_ context.Context, _ time.Time) (int64, error) {
	s.deletedBatchRuns = s.oldBatchRuns
	s.oldBatchRuns = 0
	return s.deletedBatchRuns, nil
}

type fakePurger struct {
	expired int
	calls   int
}

func (p *fakePurger) PurgeExpired() int {
	p.calls++
	n := p.expired
	p.expired = 0
	return n
}

func (p *fakePurger) CountExpired() int { return p.expired }

type fakeArchiver struct {
	stored map[string][]byte
	err    error
}

func (a *fakeArchiver) Archive(_ context.Context, category, name string, data []byte) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	if a.stored == nil {
		a.stored = map[string][]byte{}
	}
	key := category + "/" + name
	a.stored[key] = data
	return "s3://archive/" + key, nil
}

func cleanupJob(jobType, payload string) *domain.Job {
	return &domain.Job{ID: "job-c1", Type: jobType, Payload: []byte(payload)}
}

func TestSessionCleanupDeletesExpired(t *testing.T) {
	store := &fakeCleanupStore{expiredSessions: 7}
	h := NewSessionCleanup(store, zap.NewNop())

	res, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupSessions, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 7, res.ItemsProcessed)
	assert.Equal(t, 7, res.ItemsChanged)
	assert.EqualValues(t, 7, store.deletedSessions)
}

func TestSessionCleanupDryRunDeletesNothing(t *testing.T) {
	store := &fakeCleanupStore{expiredSessions: 7}
	h := NewSessionCleanup(store, zap.NewNop())

	res, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupSessions, `{"dry_run":true}`))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 7, res.ItemsProcessed)
	assert.Equal(t, 0, res.ItemsChanged)
	assert.EqualValues(t, 0, store.deletedSessions)

	// A live run after the dry run still finds everything.
	res, err = h.Handle(context.Background(), cleanupJob(registry.TypeCleanupSessions, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 7, res.ItemsChanged)
}

func TestLogCleanupArchivesBeforeDeleting(t *testing.T) {
	store := &fakeCleanupStore{oldRunLogs: 10, oldBatchRuns: 2, export: []byte(`{"job_id":"x"}` + "\n")}
	archiver := &fakeArchiver{}
	h := NewLogCleanup(store, archiver, zap.NewNop())

	res, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupLogs, `{"retention_days":30,"archive":true}`))
	require.NoError(t, err)
	assert.Equal(t, 12, res.ItemsProcessed)
	assert.Equal(t, 12, res.ItemsChanged)
	assert.EqualValues(t, len(store.export), res.BytesReclaimed)
	require.Len(t, archiver.stored, 1)
}

func TestLogCleanupArchiveFailureKeepsData(t *testing.T) {
	store := &fakeCleanupStore{oldRunLogs: 10, export: []byte("data")}
	archiver := &fakeArchiver{err: faults.New(faults.KindTransient, "archive", "s3 unavailable")}
	h := NewLogCleanup(store, archiver, zap.NewNop())

	_, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupLogs, `{"archive":true}`))
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	assert.EqualValues(t, 0, store.deletedRunLogs)
}

func TestCacheCleanupSweepsExpired(t *testing.T) {
	purger := &fakePurger{expired: 5}
	h := NewCacheCleanup(purger, zap.NewNop())

	// Dry run reports the candidate count without sweeping.
	res, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupCache, `{"dry_run":true}`))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 5, res.ItemsProcessed)
	assert.Equal(t, 0, res.ItemsChanged)
	assert.Equal(t, 0, purger.calls)

	// The live run finds the same candidates and evicts them.
	res, err = h.Handle(context.Background(), cleanupJob(registry.TypeCleanupCache, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 5, res.ItemsProcessed)
	assert.Equal(t, 5, res.ItemsChanged)
	assert.Equal(t, 1, purger.calls)
}

func TestFileCleanupRemovesOldTempFiles(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "export-old.csv")
	fresh := filepath.Join(dir, "export-fresh.csv")
	require.NoError(t, os.WriteFile(old, []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("abc"), 0o644))
	stale := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(old, stale, stale))

	h := NewFileCleanup(dir, zap.NewNop())

	// Dry run reports the candidate and its size without removing it.
	res, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupFiles, `{"retention_days":7,"dry_run":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, 0, res.ItemsChanged)
	assert.EqualValues(t, 10, res.BytesReclaimed)
	assert.FileExists(t, old)

	res, err = h.Handle(context.Background(), cleanupJob(registry.TypeCleanupFiles, `{"retention_days":7}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ItemsChanged)
	assert.EqualValues(t, 10, res.BytesReclaimed)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestCleanupMalformedPayloadIsTerminal(t *testing.T) {
	h := NewSessionCleanup(&fakeCleanupStore{}, zap.NewNop())

	_, err := h.Handle(context.Background(), cleanupJob(registry.TypeCleanupSessions, `{broken`))
	require.Error(t, err)
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err))
}
