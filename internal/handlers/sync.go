// Package handlers implements the job handlers: sync (provider data
// reconciliation), notification (templated email) and cleanup
// (retention enforcement). Handlers classify their own failures but
// never reschedule themselves; the dispatcher owns retry decisions.
package handlers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/brinternational/income-clarity-sub015/internal/domain"
	"github.com/brinternational/income-clarity-sub015/internal/faults"
	"github.com/brinternational/income-clarity-sub015/internal/provider"
	"github.com/brinternational/income-clarity-sub015/internal/registry"
	"github.com/brinternational/income-clarity-sub015/internal/storage"
)

// transactionLookback bounds how far back a sync pulls transactions.
const transactionLookback = 30 * 24 * time.Hour

// ProviderFacade is the slice of the facade the sync handlers use.
type ProviderFacade interface {
	Accounts(ctx context.Context, token, scope string, bypass bool) ([]provider.Account, provider.Outcome, error)
	Transactions(ctx context.Context, token, scope string, from, to time.Time, accountIDs []string, bypass bool) ([]provider.Transaction, provider.Outcome, error)
	Holdings(ctx context.Context, token, scope string, accountIDs []string, bypass bool) ([]provider.Holding, provider.Outcome, error)
	Refresh(ctx context.Context, token, accountID string) (provider.RefreshStatus, error)
}

// SyncStore is the persistence slice for reconciliation.
type SyncStore interface {
	GetLink(ctx context.Context, userID string) (storage.SyncCandidate, error)
	UpsertAccounts(ctx context.Context, userID string, accounts []provider.Account) (storage.UpsertCounts, error)
	UpsertTransactions(ctx context.Context, userID string, txs []provider.Transaction) (storage.UpsertCounts, error)
	UpsertHoldings(ctx context.Context, userID string, holdings []provider.Holding) (storage.UpsertCounts, error)
	UpsertIncomeExpense(ctx context.Context, userID string, records []storage.IncomeExpense) (storage.UpsertCounts, error)
	MarkLinkSynced(ctx context.Context, userID string, at time.Time) error
}

// TagInvalidator evicts cache entries after the store mutates.
type TagInvalidator interface {
	InvalidateByTag(ctx context.Context, tag string) (int, error)
}

// SyncPayload is the common payload for all sync job types.
type SyncPayload struct {
	UserID     string   `json:"user_id"`
	AccountIDs []string `json:"account_ids,omitempty"`
	Force      bool     `json:"force,omitempty"` // bypass cached provider responses
}

// SyncHandler re-derives persisted state from provider data. Upserts
// are keyed by natural ids, so running the same sync twice converges:
// the second run reports zero changed items.
type SyncHandler struct {
	kind   string
	facade ProviderFacade
	store  SyncStore
	cache  TagInvalidator
	log    *zap.Logger
	now    func() time.Time
}

// NewAccountSync refreshes accounts and recent transactions.
func NewAccountSync(f ProviderFacade, s SyncStore, c TagInvalidator, log *zap.Logger) *SyncHandler {
	return newSync(registry.TypeSyncAccount, f, s, c, log)
}

// NewPortfolioSync refreshes accounts and investment holdings.
func NewPortfolioSync(f ProviderFacade, s SyncStore, c TagInvalidator, log *zap.Logger) *SyncHandler {
	return newSync(registry.TypeSyncPortfolio, f, s, c, log)
}

// NewPriceSync refreshes holding prices only, always bypassing the
// cache: prices are the one thing never worth serving stale.
func NewPriceSync(f ProviderFacade, s SyncStore, c TagInvalidator, log *zap.Logger) *SyncHandler {
	return newSync(registry.TypeSyncPrices, f, s, c, log)
}

func newSync(kind string, f ProviderFacade, s SyncStore, c TagInvalidator, log *zap.Logger) *SyncHandler {
	return &SyncHandler{kind: kind, facade: f, store: s, cache: c, log: log.Named("sync"), now: time.Now}
}

func (h *SyncHandler) Type() string { return h.kind }

func (h *SyncHandler) Handle(ctx context.Context, job *domain.Job) (domain.Result, error) {
	var p SyncPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTerminal, "sync.payload", err)
	}
	if p.UserID == "" {
		return domain.Result{}, faults.New(faults.KindTerminal, "sync.payload", "malformed payload: user_id required")
	}

	link, err := h.store.GetLink(ctx, p.UserID)
	if err != nil {
		return domain.Result{}, faults.Wrap(faults.KindTerminal, "sync.link", err)
	}

	var counts storage.UpsertCounts
	switch h.kind {
	case registry.TypeSyncAccount:
		counts, err = h.syncAccounts(ctx, link, p)
	case registry.TypeSyncPortfolio:
		counts, err = h.syncPortfolio(ctx, link, p)
	case registry.TypeSyncPrices:
		counts, err = h.syncPrices(ctx, link, p)
	default:
		return domain.Result{}, faults.New(faults.KindTerminal, "sync", "unsupported sync kind "+h.kind)
	}
	if err != nil {
		return domain.Result{ItemsProcessed: counts.Processed, ItemsChanged: counts.Changed}, err
	}

	if counts.Changed > 0 {
		// Underlying data moved: every cache entry derived from this
		// user is now suspect.
		if _, err := h.cache.InvalidateByTag(ctx, "user:"+p.UserID); err != nil {
			h.log.Warn("cache invalidation failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	if err := h.store.MarkLinkSynced(ctx, p.UserID, h.now()); err != nil {
		return domain.Result{ItemsProcessed: counts.Processed, ItemsChanged: counts.Changed},
			faults.Wrap(faults.KindTransient, "sync.mark", err)
	}

	h.log.Info("sync complete",
		zap.String("kind", h.kind), zap.String("user_id", p.UserID),
		zap.Int("processed", counts.Processed), zap.Int("changed", counts.Changed))
	return domain.Result{ItemsProcessed: counts.Processed, ItemsChanged: counts.Changed}, nil
}

func (h *SyncHandler) syncAccounts(ctx context.Context, link storage.SyncCandidate, p SyncPayload) (storage.UpsertCounts, error) {
	var total storage.UpsertCounts

	accounts, _, err := h.facade.Accounts(ctx, link.AccessToken, link.UserID, p.Force)
	if err != nil {
		return total, err
	}
	counts, err := h.store.UpsertAccounts(ctx, link.UserID, accounts)
	total = counts
	if err != nil {
		return total, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}

	to := h.now()
	txs, _, err := h.facade.Transactions(ctx, link.AccessToken, link.UserID,
		to.Add(-transactionLookback), to, p.AccountIDs, p.Force)
	if err != nil {
		return total, err
	}
	txCounts, err := h.store.UpsertTransactions(ctx, link.UserID, txs)
	total.Processed += txCounts.Processed
	total.Changed += txCounts.Changed
	if err != nil {
		return total, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}

	ceCounts, err := h.store.UpsertIncomeExpense(ctx, link.UserID, rollupCashflow(txs))
	total.Processed += ceCounts.Processed
	total.Changed += ceCounts.Changed
	if err != nil {
		return total, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}
	return total, nil
}

// rollupCashflow aggregates posted transactions into monthly
// income/expense records. Totals are stored positive; the flow carries
// the sign. Pending transactions are excluded until they post.
func rollupCashflow(txs []provider.Transaction) []storage.IncomeExpense {
	type key struct{ month, category, flow, currency string }
	agg := make(map[key]*storage.IncomeExpense)
	for _, t := range txs {
		if t.Pending {
			continue
		}
		flow, amount := "expense", -t.Amount
		if t.Amount > 0 {
			flow, amount = "income", t.Amount
		}
		k := key{t.Date.Format("2006-01"), t.Category, flow, t.Currency}
		e, ok := agg[k]
		if !ok {
			e = &storage.IncomeExpense{Month: k.month, Category: k.category, Flow: k.flow, Currency: k.currency}
			agg[k] = e
		}
		e.Total += amount
		e.Count++
	}

	out := make([]storage.IncomeExpense, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Month != out[j].Month {
			return out[i].Month < out[j].Month
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Flow < out[j].Flow
	})
	return out
}

func (h *SyncHandler) syncPortfolio(ctx context.Context, link storage.SyncCandidate, p SyncPayload) (storage.UpsertCounts, error) {
	var total storage.UpsertCounts

	accounts, _, err := h.facade.Accounts(ctx, link.AccessToken, link.UserID, p.Force)
	if err != nil {
		return total, err
	}
	counts, err := h.store.UpsertAccounts(ctx, link.UserID, accounts)
	total = counts
	if err != nil {
		return total, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}

	holdings, _, err := h.facade.Holdings(ctx, link.AccessToken, link.UserID, p.AccountIDs, p.Force)
	if err != nil {
		return total, err
	}
	hCounts, err := h.store.UpsertHoldings(ctx, link.UserID, holdings)
	total.Processed += hCounts.Processed
	total.Changed += hCounts.Changed
	if err != nil {
		return total, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}
	return total, nil
}

func (h *SyncHandler) syncPrices(ctx context.Context, link storage.SyncCandidate, p SyncPayload) (storage.UpsertCounts, error) {
	holdings, _, err := h.facade.Holdings(ctx, link.AccessToken, link.UserID, p.AccountIDs, true)
	if err != nil {
		return storage.UpsertCounts{}, err
	}
	counts, err := h.store.UpsertHoldings(ctx, link.UserID, holdings)
	if err != nil {
		return counts, faults.Wrap(faults.KindTransient, "sync.upsert", err)
	}
	return counts, nil
}
