package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
)

// Default retention per cleanup category, overridable per job.
const (
	defaultLogRetention  = 90 * 24 * time.Hour
	defaultFileRetention = 7 * 24 * time.Hour
)

// CleanupStore is the persistence slice for retention enforcement.
// Every category pairs a count (dry run) with a delete (live run).
type CleanupStore interface {
	CountExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
	CountOldRunLogs(ctx context.Context, cutoff time.Time) (int64, error)
	ExportOldRunLogs(ctx context.Context, cutoff time.Time) ([]byte, error)
	DeleteOldRunLogs(ctx context.Context, cutoff time.Time) (int64, error)
	CountOldBatchRuns(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldBatchRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// CachePurger sweeps expired entries out of the fast cache tier.
// CountExpired sizes the same candidate set without evicting.
type CachePurger interface {
	PurgeExpired() int
	CountExpired() int
}

// Archiver stores purged records before deletion. A nil Archiver
// disables archival.
type Archiver interface {
	Archive(ctx context.Context, category, name string, data []byte) (string, error)
}

// CleanupPayload selects a category and retention threshold.
type CleanupPayload struct {
	RetentionDays int  `json:"retention_days,omitempty"`
	DryRun        bool `json:"dry_run,omitempty"`
	Archive       bool `json:"archive,omitempty"`
}

// CleanupHandler reclaims expired sessions, old logs, stale cache
// entries and temp files. Dry-run computes the candidate set without
// touching anything, for tests and operator preview.
type CleanupHandler struct {
	kind     string
	store    CleanupStore
	cache    CachePurger
	archiver Archiver
	tempDir  string
	log      *zap.Logger
	now      func() time.Time
}

func NewSessionCleanup(s CleanupStore, log *zap.Logger) *CleanupHandler {
	return newCleanup(registry.TypeCleanupSessions, s, nil, nil, "", log)
}

func NewLogCleanup(s CleanupStore, archiver Archiver, log *zap.Logger) *CleanupHandler {
	return newCleanup(registry.TypeCleanupLogs, s, nil, archiver, "", log)
}

func NewCacheCleanup(cache CachePurger, log *zap.Logger) *CleanupHandler {
	return newCleanup(registry.TypeCleanupCache, nil, cache, nil, "", log)
}

func NewFileCleanup(tempDir string, log *zap.Logger) *CleanupHandler {
	return newCleanup(registry.TypeCleanupFiles, nil, nil, nil, tempDir, log)
}

func newCleanup(kind string, s CleanupStore, cache CachePurger, archiver Archiver, tempDir string, log *zap.Logger) *CleanupHandler {
	return &CleanupHandler{
		kind: kind, store: s, cache: cache, archiver: archiver,
		tempDir: tempDir, log: log.Named("cleanup"), now: time.Now,
	}
}

func (h *CleanupHandler) Type() string { return h.kind }

func (h *CleanupHandler) Handle(ctx context.Context, job *domain.Job) (domain.Result, error) {
	var p CleanupPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return domain.Result{}, faults.Wrap(faults.KindTerminal, "cleanup.payload", err)
		}
	}

	var (
		res domain.Result
		err error
	)
	switch h.kind {
	case registry.TypeCleanupSessions:
		res, err = h.sessions(ctx, p)
	case registry.TypeCleanupLogs:
		res, err = h.logs(ctx, p)
	case registry.TypeCleanupCache:
		res, err = h.staleCache(p)
	case registry.TypeCleanupFiles:
		res, err = h.tempFiles(p)
	default:
		return domain.Result{}, faults.New(faults.KindTerminal, "cleanup", "unsupported cleanup kind "+h.kind)
	}
	if err != nil {
		return res, err
	}

	h.log.Info("cleanup done",
		zap.String("kind", h.kind), zap.Bool("dry_run", p.DryRun),
		zap.Int("processed", res.ItemsProcessed), zap.Int("deleted", res.ItemsChanged),
		zap.Int64("bytes_reclaimed", res.BytesReclaimed))
	return res, nil
}

func (h *CleanupHandler) retention(p CleanupPayload, fallback time.Duration) time.Time {
	if p.RetentionDays > 0 {
		return h.now().Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
	}
	return h.now().Add(-fallback)
}

// sessions removes sessions already past their expiry. Retention here
// is a grace period on top of the expiry timestamp.
func (h *CleanupHandler) sessions(ctx context.Context, p CleanupPayload) (domain.Result, error) {
	cutoff := h.retention(p, 0)
	n, err := h.store.CountExpiredSessions(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.sessions", err)
	}
	if p.DryRun {
		return domain.Result{ItemsProcessed: int(n), DryRun: true}, nil
	}
	deleted, err := h.store.DeleteExpiredSessions(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.sessions", err)
	}
	return domain.Result{ItemsProcessed: int(n), ItemsChanged: int(deleted)}, nil
}

func (h *CleanupHandler) logs(ctx context.Context, p CleanupPayload) (domain.Result, error) {
	cutoff := h.retention(p, defaultLogRetention)

	runLogs, err := h.store.CountOldRunLogs(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.logs", err)
	}
	batchRuns, err := h.store.CountOldBatchRuns(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.logs", err)
	}
	candidates := int(runLogs + batchRuns)
	if p.DryRun {
		return domain.Result{ItemsProcessed: candidates, DryRun: true}, nil
	}

	var reclaimed int64
	if p.Archive && h.archiver != nil && runLogs > 0 {
		data, err := h.store.ExportOldRunLogs(ctx, cutoff)
		if err != nil {
			return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.export", err)
		}
		name := fmt.Sprintf("run_logs_%s.jsonl", h.now().UTC().Format("20060102T150405"))
		loc, err := h.archiver.Archive(ctx, "logs", name, data)
		if err != nil {
			// Never delete what we failed to archive.
			return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.archive", err)
		}
		reclaimed = int64(len(data))
		h.log.Info("archived run logs", zap.String("location", loc), zap.Int("bytes", len(data)))
	}

	deletedLogs, err := h.store.DeleteOldRunLogs(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.logs", err)
	}
	deletedRuns, err := h.store.DeleteOldBatchRuns(ctx, cutoff)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTransient, "cleanup.logs", err)
	}
	return domain.Result{
		ItemsProcessed: candidates,
		ItemsChanged:   int(deletedLogs + deletedRuns),
		BytesReclaimed: reclaimed,
	}, nil
}

func (h *CleanupHandler) staleCache(p CleanupPayload) (domain.Result, error) {
	if p.DryRun {
		return domain.Result{ItemsProcessed: h.cache.CountExpired(), DryRun: true}, nil
	}
	purged := h.cache.PurgeExpired()
	return domain.Result{ItemsProcessed: purged, ItemsChanged: purged}, nil
}

func (h *CleanupHandler) tempFiles(p CleanupPayload) (domain.Result, error) {
	cutoff := h.retention(p, defaultFileRetention)

	var res domain.Result
	res.DryRun = p.DryRun
	err := filepath.Walk(h.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || info.ModTime().After(cutoff) {
			return nil
		}
		res.ItemsProcessed++
		if p.DryRun {
			res.BytesReclaimed += info.Size()
			return nil
		}
		if err := os.Remove(path); err != nil {
			h.log.Warn("removing temp file", zap.String("path", path), zap.Error(err))
			return nil
		}
		res.ItemsChanged++
		res.BytesReclaimed += info.Size()
		return nil
	})
	if err != nil {
		return res, faults.Wrap(faults.KindTransient, "cleanup.files", err)
	}
	return res, nil
}
