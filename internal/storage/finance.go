package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brinternational/income-clarity-sub015/internal/provider"
)

// UpsertCounts reports how reconciliation went: every item is
// processed, only rows that actually differed count as changed.
type UpsertCounts struct {
	Processed int
	Changed   int
}

// UpsertAccounts reconciles provider accounts into the store, keyed by
// (user_id, external_id). Unchanged rows are left untouched so repeated
// syncs of identical data report zero changes.
func (s *Store) UpsertAccounts(ctx context.Context, userID string, accounts []provider.Account) (UpsertCounts, error) {
	var counts UpsertCounts
	for _, a := range accounts {
		tag, err := s.db.Exec(ctx, `insert into accounts(
user_id, external_id, name, type, currency, balance, institution_id, refreshed_at, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,now())
on conflict (user_id, external_id) do update
set name = excluded.name, type = excluded.type, currency = excluded.currency,
    balance = excluded.balance, institution_id = excluded.institution_id,
    refreshed_at = excluded.refreshed_at, updated_at = now()
where (accounts.name, accounts.type, accounts.currency, accounts.balance,
       accounts.institution_id, accounts.refreshed_at)
is distinct from
      (excluded.name, excluded.type, excluded.currency, excluded.balance,
       excluded.institution_id, excluded.refreshed_at)`,
			userID, a.ID, a.Name, a.Type, a.Currency, a.Balance, a.InstitutionID, a.LastRefreshed)
		if err != nil {
			return counts, errors.Wrapf(err, "upserting account %s", a.ID)
		}
		counts.Processed++
		counts.Changed += int(tag.RowsAffected())
	}
	return counts, nil
}

// UpsertTransactions reconciles transactions keyed by
// (user_id, external_id).
func (s *Store) UpsertTransactions(ctx context.Context, userID string, txs []provider.Transaction) (UpsertCounts, error) {
	var counts UpsertCounts
	for _, t := range txs {
		tag, err := s.db.Exec(ctx, `insert into transactions(
user_id, external_id, account_external_id, occurred_on, amount, currency,
category, description, pending, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
on conflict (user_id, external_id) do update
set account_external_id = excluded.account_external_id,
    occurred_on = excluded.occurred_on, amount = excluded.amount,
    currency = excluded.currency, category = excluded.category,
    description = excluded.description, pending = excluded.pending,
    updated_at = now()
where (transactions.account_external_id, transactions.occurred_on,
       transactions.amount, transactions.currency, transactions.category,
       transactions.description, transactions.pending)
is distinct from
      (excluded.account_external_id, excluded.occurred_on, excluded.amount,
       excluded.currency, excluded.category, excluded.description, excluded.pending)`,
			userID, t.ID, t.AccountID, t.Date, t.Amount, t.Currency, t.Category, t.Description, t.Pending)
		if err != nil {
			return counts, errors.Wrapf(err, "upserting transaction %s", t.ID)
		}
		counts.Processed++
		counts.Changed += int(tag.RowsAffected())
	}
	return counts, nil
}

// UpsertHoldings reconciles investment positions keyed by
// (user_id, account_external_id, symbol).
func (s *Store) UpsertHoldings(ctx context.Context, userID string, holdings []provider.Holding) (UpsertCounts, error) {
	var counts UpsertCounts
	for _, h := range holdings {
		tag, err := s.db.Exec(ctx, `insert into holdings(
user_id, account_external_id, symbol, quantity, price, value, currency, as_of, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,now())
on conflict (user_id, account_external_id, symbol) do update
set quantity = excluded.quantity, price = excluded.price, value = excluded.value,
    currency = excluded.currency, as_of = excluded.as_of, updated_at = now()
where (holdings.quantity, holdings.price, holdings.value, holdings.currency, holdings.as_of)
is distinct from
      (excluded.quantity, excluded.price, excluded.value, excluded.currency, excluded.as_of)`,
			userID, h.AccountID, h.Symbol, h.Quantity, h.Price, h.Value, h.Currency, h.AsOf)
		if err != nil {
			return counts, errors.Wrapf(err, "upserting holding %s/%s", h.AccountID, h.Symbol)
		}
		counts.Processed++
		counts.Changed += int(tag.RowsAffected())
	}
	return counts, nil
}

// IncomeExpense is one month+category cashflow rollup derived from
// transactions during a sync.
type IncomeExpense struct {
	Month    string // YYYY-MM
	Category string
	Flow     string // income | expense
	Currency string
	Total    float64
	Count    int
}

// UpsertIncomeExpense reconciles cashflow rollups keyed by
// (user_id, month, category, flow, currency).
func (s *Store) UpsertIncomeExpense(ctx context.Context, userID string, records []IncomeExpense) (UpsertCounts, error) {
	var counts UpsertCounts
	for _, rec := range records {
		tag, err := s.db.Exec(ctx, `insert into income_expense(
user_id, month, category, flow, currency, total, tx_count, updated_at
) values ($1,$2,$3,$4,$5,$6,$7,now())
on conflict (user_id, month, category, flow, currency) do update
set total = excluded.total, tx_count = excluded.tx_count, updated_at = now()
where (income_expense.total, income_expense.tx_count)
is distinct from (excluded.total, excluded.tx_count)`,
			userID, rec.Month, rec.Category, rec.Flow, rec.Currency, rec.Total, rec.Count)
		if err != nil {
			return counts, errors.Wrapf(err, "upserting cashflow %s/%s/%s", rec.Month, rec.Category, rec.Flow)
		}
		counts.Processed++
		counts.Changed += int(tag.RowsAffected())
	}
	return counts, nil
}

// SyncCandidate is one provider link eligible for a batch sync.
type SyncCandidate struct {
	UserID       string
	AccessToken  string
	LastSyncedAt *time.Time
}

// SelectStaleLinks returns provider links whose last successful sync is
// older than the cutoff (or that never synced), oldest first.
func (s *Store) SelectStaleLinks(ctx context.Context, cutoff time.Time, limit int) ([]SyncCandidate, error) {
	rows, err := s.db.Query(ctx, `select user_id, access_token, last_synced_at
from provider_links
where last_synced_at is null or last_synced_at < $1
order by last_synced_at asc nulls first
limit $2`, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "selecting stale links")
	}
	defer rows.Close()

	var out []SyncCandidate
	for rows.Next() {
		var c SyncCandidate
		if err := rows.Scan(&c.UserID, &c.AccessToken, &c.LastSyncedAt); err != nil {
			return nil, errors.Wrap(err, "scanning sync candidate")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetLink returns the provider access token for one user.
func (s *Store) GetLink(ctx context.Context, userID string) (SyncCandidate, error) {
	var c SyncCandidate
	c.UserID = userID
	err := s.db.QueryRow(ctx,
		`select access_token, last_synced_at from provider_links where user_id = $1`,
		userID).Scan(&c.AccessToken, &c.LastSyncedAt)
	if err != nil {
		return SyncCandidate{}, errors.Wrapf(err, "loading provider link for %s", userID)
	}
	return c, nil
}

// MarkLinkSynced stamps a successful sync.
func (s *Store) MarkLinkSynced(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`update provider_links set last_synced_at = $2 where user_id = $1`, userID, at)
	return errors.Wrapf(err, "marking link synced for %s", userID)
}
