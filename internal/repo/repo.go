package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vitrina/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx. Reads that participate
// in a reservation run against the transaction; plain reads use the pool.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- shops ---

const shopColumns = `id,name,plan,status,agenda_suspended_until,agenda_suspended_reason,stream_quota,reel_quota,created_at`

func scanShop(row *sql.Row) (domain.Shop, error) {
	var s domain.Shop
	var until, reason sql.NullString
	err := row.Scan(&s.ID, &s.Name, &s.Plan, &s.Status, &until, &reason, &s.StreamQuota, &s.ReelQuota, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if until.Valid {
		s.AgendaSuspendedUntil = &until.String
	}
	if reason.Valid {
		s.AgendaSuspendedReason = &reason.String
	}
	return s, err
}

func (r Repo) InsertShop(ctx context.Context, tx *sql.Tx, s domain.Shop) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO shops(`+shopColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Name, s.Plan, s.Status, nullableStringPtr(s.AgendaSuspendedUntil), nullableStringPtr(s.AgendaSuspendedReason),
		s.StreamQuota, s.ReelQuota, s.CreatedAt)
	return err
}

func (r Repo) GetShop(ctx context.Context, id string) (domain.Shop, error) {
	return scanShop(r.DB.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM shops WHERE id=?`, id))
}

func (r Repo) GetShopTx(ctx context.Context, tx *sql.Tx, id string) (domain.Shop, error) {
	return scanShop(tx.QueryRowContext(ctx, `SELECT `+shopColumns+` FROM shops WHERE id=?`, id))
}

// SingleShop returns the only shop in the workspace, for CLI default
// resolution.
func (r Repo) SingleShop(ctx context.Context) (domain.Shop, error) {
	shops, err := r.ListShops(ctx)
	if err != nil {
		return domain.Shop{}, err
	}
	if len(shops) == 0 {
		return domain.Shop{}, ErrNotFound
	}
	if len(shops) > 1 {
		return domain.Shop{}, errors.New("multiple shops exist; specify --shop")
	}
	return shops[0], nil
}

func (r Repo) ListShops(ctx context.Context) ([]domain.Shop, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+shopColumns+` FROM shops ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Shop
	for rows.Next() {
		var s domain.Shop
		var until, reason sql.NullString
		if err := rows.Scan(&s.ID, &s.Name, &s.Plan, &s.Status, &until, &reason, &s.StreamQuota, &s.ReelQuota, &s.CreatedAt); err != nil {
			return nil, err
		}
		if until.Valid {
			s.AgendaSuspendedUntil = &until.String
		}
		if reason.Valid {
			s.AgendaSuspendedReason = &reason.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateShopPlan(ctx context.Context, tx *sql.Tx, shopID, plan string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE shops SET plan=? WHERE id=?`, plan, shopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateShopProjection mirrors wallet totals onto the denormalized shop
// quota columns.
func (r Repo) UpdateShopProjection(ctx context.Context, tx *sql.Tx, shopID string, streamQuota, reelQuota int) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE shops SET stream_quota=?, reel_quota=? WHERE id=?`, streamQuota, reelQuota, shopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SuspendShop raises the shop's suspension state and end date.
func (r Repo) SuspendShop(ctx context.Context, tx *sql.Tx, shopID, until, reason string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE shops SET status=?, agenda_suspended_until=?, agenda_suspended_reason=? WHERE id=?`,
		domain.ShopAgendaSuspended, until, reason, shopID)
	return err
}

// ReactivateShop clears an elapsed suspension.
func (r Repo) ReactivateShop(ctx context.Context, tx *sql.Tx, shopID string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE shops SET status=?, agenda_suspended_until=NULL, agenda_suspended_reason=NULL WHERE id=?`,
		domain.ShopActive, shopID)
	return err
}

// --- quota wallets ---

const walletColumns = `shop_id,weekly_live_base_limit,weekly_live_used,weekly_live_week_key,live_extra_balance,reel_daily_limit,reel_daily_used,reel_daily_date_key,reel_extra_balance,created_at,updated_at`

func scanWallet(row *sql.Row) (domain.QuotaWallet, error) {
	var w domain.QuotaWallet
	err := row.Scan(&w.ShopID, &w.WeeklyLiveBaseLimit, &w.WeeklyLiveUsed, &w.WeeklyLiveWeekKey, &w.LiveExtraBalance,
		&w.ReelDailyLimit, &w.ReelDailyUsed, &w.ReelDailyDateKey, &w.ReelExtraBalance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetWallet(ctx context.Context, tx *sql.Tx, shopID string) (domain.QuotaWallet, error) {
	return scanWallet(r.q(tx).QueryRowContext(ctx, `SELECT `+walletColumns+` FROM quota_wallets WHERE shop_id=?`, shopID))
}

func (r Repo) InsertWallet(ctx context.Context, tx *sql.Tx, w domain.QuotaWallet) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO quota_wallets(`+walletColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ShopID, w.WeeklyLiveBaseLimit, w.WeeklyLiveUsed, w.WeeklyLiveWeekKey, w.LiveExtraBalance,
		w.ReelDailyLimit, w.ReelDailyUsed, w.ReelDailyDateKey, w.ReelExtraBalance, w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWallet rewrites all counter columns. Used for window rolls,
// normalization and plan sync; unit consumption goes through the
// conditional updates below.
func (r Repo) UpdateWallet(ctx context.Context, tx *sql.Tx, w domain.QuotaWallet) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE quota_wallets SET
weekly_live_base_limit=?, weekly_live_used=?, weekly_live_week_key=?, live_extra_balance=?,
reel_daily_limit=?, reel_daily_used=?, reel_daily_date_key=?, reel_extra_balance=?, updated_at=?
WHERE shop_id=?`,
		w.WeeklyLiveBaseLimit, w.WeeklyLiveUsed, w.WeeklyLiveWeekKey, w.LiveExtraBalance,
		w.ReelDailyLimit, w.ReelDailyUsed, w.ReelDailyDateKey, w.ReelExtraBalance, w.UpdatedAt, w.ShopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementLiveUsed consumes one base unit, capped at the base limit.
// Zero rows affected means the base bucket had no capacity left.
func (r Repo) IncrementLiveUsed(ctx context.Context, tx *sql.Tx, shopID, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE quota_wallets SET weekly_live_used=weekly_live_used+1, updated_at=? WHERE shop_id=? AND weekly_live_used < weekly_live_base_limit`,
		updatedAt, shopID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DecrementLiveExtra spends one extra unit. The WHERE guard makes the
// decrement conditional: a concurrent reservation that already consumed the
// last unit leaves zero rows affected instead of driving the balance
// negative.
func (r Repo) DecrementLiveExtra(ctx context.Context, tx *sql.Tx, shopID, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE quota_wallets SET live_extra_balance=live_extra_balance-1, updated_at=? WHERE shop_id=? AND live_extra_balance > 0`,
		updatedAt, shopID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) IncrementReelUsed(ctx context.Context, tx *sql.Tx, shopID, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE quota_wallets SET reel_daily_used=reel_daily_used+1, updated_at=? WHERE shop_id=? AND reel_daily_used < reel_daily_limit`,
		updatedAt, shopID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) DecrementReelExtra(ctx context.Context, tx *sql.Tx, shopID, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE quota_wallets SET reel_extra_balance=reel_extra_balance-1, updated_at=? WHERE shop_id=? AND reel_extra_balance > 0`,
		updatedAt, shopID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) CreditExtra(ctx context.Context, tx *sql.Tx, shopID, resource string, amount int, updatedAt string) error {
	column := "live_extra_balance"
	if resource == domain.ResourceReel {
		column = "reel_extra_balance"
	}
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE quota_wallets SET `+column+`=`+column+`+?, updated_at=? WHERE shop_id=?`, amount, updatedAt, shopID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- quota transaction ledger ---

const txColumns = `id,shop_id,resource,direction,amount,reason,ref_type,ref_id,actor_type,actor_id,created_at`

func (r Repo) InsertQuotaTransaction(ctx context.Context, tx *sql.Tx, t domain.QuotaTransaction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO quota_transactions(`+txColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ShopID, t.Resource, t.Direction, t.Amount, t.Reason,
		nullableStringPtr(t.RefType), nullableStringPtr(t.RefID), t.ActorType, t.ActorID, t.CreatedAt)
	return err
}

// HasQuotaTransaction reports whether a ledger row with the given reason
// already references (shop, refType, refID). The sanctions engine uses this
// as its burn-idempotency guard.
func (r Repo) HasQuotaTransaction(ctx context.Context, tx *sql.Tx, shopID, refType, refID, reason string) (bool, error) {
	row := r.q(tx).QueryRowContext(ctx,
		`SELECT 1 FROM quota_transactions WHERE shop_id=? AND ref_type=? AND ref_id=? AND reason=? LIMIT 1`,
		shopID, refType, refID, reason)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

type TransactionFilters struct {
	ShopID   string
	Resource string
	Reason   string
	Limit    int
}

func (r Repo) ListQuotaTransactions(ctx context.Context, f TransactionFilters) ([]domain.QuotaTransaction, error) {
	clauses := []string{"shop_id=?"}
	args := []any{f.ShopID}
	if f.Resource != "" {
		clauses = append(clauses, "resource=?")
		args = append(args, f.Resource)
	}
	if f.Reason != "" {
		clauses = append(clauses, "reason=?")
		args = append(args, f.Reason)
	}
	query := `SELECT ` + txColumns + ` FROM quota_transactions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuotaTransaction
	for rows.Next() {
		var t domain.QuotaTransaction
		var refType, refID sql.NullString
		if err := rows.Scan(&t.ID, &t.ShopID, &t.Resource, &t.Direction, &t.Amount, &t.Reason, &refType, &refID, &t.ActorType, &t.ActorID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if refType.Valid {
			t.RefType = &refType.String
		}
		if refID.Valid {
			t.RefID = &refID.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- events (reads; writes go through events.Writer) ---

func (r Repo) LatestEvents(ctx context.Context, limit int, shopID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.EventsFrom(ctx, limit, 0, shopID, evtType, entityKind, entityID)
}

func (r Repo) EventsFrom(ctx context.Context, limit int, cursor int64, shopID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if shopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, shopID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,type,shop_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order, for the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,shop_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID seeds webhook cursors so a fresh dispatcher does not
// replay historic events.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var shopID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &shopID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if shopID.Valid {
			e.ShopID = shopID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) ListAuditEntries(ctx context.Context, entityType, entityID string, limit int) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, entityType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,entity_type,entity_id,action,actor_type,actor_id,detail_json FROM audit_logs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&a.ID, &a.TS, &a.EntityType, &a.EntityID, &a.Action, &a.ActorType, &a.ActorID, &detail); err != nil {
			return nil, err
		}
		if detail.Valid {
			a.DetailJSON = detail.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
