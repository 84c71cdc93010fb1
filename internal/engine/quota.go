package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vitrina/internal/domain"
	"vitrina/internal/events"
	"vitrina/internal/repo"
)

// ErrNoQuota is returned when both the base window and the extra
// balance are exhausted for the requested resource.
var ErrNoQuota = errors.New("no quota available")

type reserveMeta struct {
	Reason    string
	RefType   string
	RefID     string
	ActorType string
	ActorID   string
}

func (e Engine) walletFromPlan(shop domain.Shop, now time.Time) domain.QuotaWallet {
	limits := e.Config.Limits(shop.Plan)
	nowStr := rfc3339(now)
	return domain.QuotaWallet{
		ShopID:              shop.ID,
		WeeklyLiveBaseLimit: limits.WeeklyLiveLimit,
		WeeklyLiveWeekKey:   WeekKey(now),
		ReelDailyLimit:      limits.ReelDailyLimit,
		ReelDailyDateKey:    DayKey(now),
		CreatedAt:           nowStr,
		UpdatedAt:           nowStr,
	}
}

// walletFromLegacy backfills a wallet from the flat remaining-quota
// counters of the previous system. Remaining units up to the plan limit
// land in the base window; any surplus becomes extra balance.
func (e Engine) walletFromLegacy(shop domain.Shop, legacyLive, legacyReel *int, now time.Time) domain.QuotaWallet {
	w := e.walletFromPlan(shop, now)
	if legacyLive != nil {
		base := min(max(*legacyLive, 0), w.WeeklyLiveBaseLimit)
		w.WeeklyLiveUsed = w.WeeklyLiveBaseLimit - base
		if extra := *legacyLive - base; extra > 0 {
			w.LiveExtraBalance = extra
		}
	}
	if legacyReel != nil {
		base := min(max(*legacyReel, 0), w.ReelDailyLimit)
		w.ReelDailyUsed = w.ReelDailyLimit - base
		if extra := *legacyReel - base; extra > 0 {
			w.ReelExtraBalance = extra
		}
	}
	return w
}

func (e Engine) ensureWalletTx(ctx context.Context, tx *sql.Tx, shop domain.Shop) (domain.QuotaWallet, error) {
	w, err := e.Repo.GetWallet(ctx, tx, shop.ID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return w, err
	}
	w = e.walletFromPlan(shop, e.now())
	if err := e.Repo.InsertWallet(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert wallet: %w", err)
	}
	return w, nil
}

// liveSnapshotTx reconciles the weekly live window before reporting it.
// The window count comes from the streams table, never from the stored
// counter, so a stale or drifted wallet heals itself here.
func (e Engine) liveSnapshotTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, at time.Time) (domain.QuotaSnapshot, error) {
	w, err := e.ensureWalletTx(ctx, tx, shop)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	weekStart := WeekStart(at)
	weekKey := weekStart.Format(dayKeyLayout)
	count, err := e.Repo.CountShopStreamsInWindow(ctx, tx, shop.ID, rfc3339(weekStart), rfc3339(weekStart.AddDate(0, 0, 7)))
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}

	b := domain.Buckets{Limit: w.WeeklyLiveBaseLimit, Used: count, Extra: w.LiveExtraBalance}
	if w.WeeklyLiveWeekKey != weekKey {
		b.Limit = e.Config.Limits(shop.Plan).WeeklyLiveLimit
	}
	b.Clamp()
	if w.WeeklyLiveWeekKey != weekKey || w.WeeklyLiveBaseLimit != b.Limit || w.WeeklyLiveUsed != b.Used || w.LiveExtraBalance != b.Extra {
		w.WeeklyLiveWeekKey = weekKey
		w.WeeklyLiveBaseLimit = b.Limit
		w.WeeklyLiveUsed = b.Used
		w.LiveExtraBalance = b.Extra
		w.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateWallet(ctx, tx, w); err != nil {
			return domain.QuotaSnapshot{}, err
		}
	}
	return domain.QuotaSnapshot{
		ShopID:        shop.ID,
		Resource:      domain.ResourceLive,
		WindowKey:     weekKey,
		WindowCount:   count,
		BaseLimit:     b.Limit,
		BaseUsed:      b.Used,
		BaseRemaining: b.Remaining(),
		ExtraBalance:  b.Extra,
	}, nil
}

// reelSnapshotTx is the daily counterpart of liveSnapshotTx.
func (e Engine) reelSnapshotTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, at time.Time) (domain.QuotaSnapshot, error) {
	w, err := e.ensureWalletTx(ctx, tx, shop)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	dayStart := DayStart(at)
	dateKey := dayStart.Format(dayKeyLayout)
	count, err := e.Repo.CountShopReelsBetween(ctx, tx, shop.ID, rfc3339(dayStart), rfc3339(dayStart.AddDate(0, 0, 1)))
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}

	b := domain.Buckets{Limit: w.ReelDailyLimit, Used: count, Extra: w.ReelExtraBalance}
	if w.ReelDailyDateKey != dateKey {
		b.Limit = e.Config.Limits(shop.Plan).ReelDailyLimit
	}
	b.Clamp()
	if w.ReelDailyDateKey != dateKey || w.ReelDailyLimit != b.Limit || w.ReelDailyUsed != b.Used || w.ReelExtraBalance != b.Extra {
		w.ReelDailyDateKey = dateKey
		w.ReelDailyLimit = b.Limit
		w.ReelDailyUsed = b.Used
		w.ReelExtraBalance = b.Extra
		w.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateWallet(ctx, tx, w); err != nil {
			return domain.QuotaSnapshot{}, err
		}
	}
	return domain.QuotaSnapshot{
		ShopID:        shop.ID,
		Resource:      domain.ResourceReel,
		WindowKey:     dateKey,
		WindowCount:   count,
		BaseLimit:     b.Limit,
		BaseUsed:      b.Used,
		BaseRemaining: b.Remaining(),
		ExtraBalance:  b.Extra,
	}, nil
}

// LiveQuotaSnapshot reports the weekly live window for the week
// containing at, reconciling stored counters along the way.
func (e Engine) LiveQuotaSnapshot(ctx context.Context, shopID string, at time.Time) (domain.QuotaSnapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	snap, err := e.liveSnapshotTx(ctx, tx, shop, at)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	if err := e.syncProjectionTx(ctx, tx, shopID); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	return snap, nil
}

// ReelQuotaSnapshot reports the daily reel window for the day containing at.
func (e Engine) ReelQuotaSnapshot(ctx context.Context, shopID string, at time.Time) (domain.QuotaSnapshot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	snap, err := e.reelSnapshotTx(ctx, tx, shop, at)
	if err != nil {
		return domain.QuotaSnapshot{}, err
	}
	if err := e.syncProjectionTx(ctx, tx, shopID); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuotaSnapshot{}, err
	}
	return snap, nil
}

// NormalizeWallet reconciles both windows and the shop projection in
// one transaction. Exposed for admin tooling and the legacy sync job.
func (e Engine) NormalizeWallet(ctx context.Context, shopID string) (domain.QuotaWallet, error) {
	at := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	if _, err := e.liveSnapshotTx(ctx, tx, shop, at); err != nil {
		return domain.QuotaWallet{}, err
	}
	if _, err := e.reelSnapshotTx(ctx, tx, shop, at); err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := e.syncProjectionTx(ctx, tx, shopID); err != nil {
		return domain.QuotaWallet{}, err
	}
	w, err := e.Repo.GetWallet(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuotaWallet{}, err
	}
	return w, nil
}

// reserveLiveTx spends one live slot for the week containing
// scheduledAt. Base first, extra as fallback. The decrements are
// guarded in SQL so two racing schedules cannot both win the last unit.
func (e Engine) reserveLiveTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, scheduledAt time.Time, meta reserveMeta) (string, error) {
	snap, err := e.liveSnapshotTx(ctx, tx, shop, scheduledAt)
	if err != nil {
		return "", err
	}
	nowStr := e.nowStr()
	bucket := ""
	if snap.BaseRemaining > 0 {
		ok, err := e.Repo.IncrementLiveUsed(ctx, tx, shop.ID, nowStr)
		if err != nil {
			return "", err
		}
		if ok {
			bucket = domain.BucketBase
		}
	}
	if bucket == "" {
		ok, err := e.Repo.DecrementLiveExtra(ctx, tx, shop.ID, nowStr)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNoQuota
		}
		bucket = domain.BucketExtra
	}
	if err := e.appendLedgerTx(ctx, tx, shop.ID, domain.ResourceLive, domain.DirectionDebit, 1, meta); err != nil {
		return "", err
	}
	if err := e.syncProjectionTx(ctx, tx, shop.ID); err != nil {
		return "", err
	}
	return bucket, nil
}

// reserveReelTx spends one reel slot for the current day.
func (e Engine) reserveReelTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, at time.Time, meta reserveMeta) (string, error) {
	snap, err := e.reelSnapshotTx(ctx, tx, shop, at)
	if err != nil {
		return "", err
	}
	nowStr := e.nowStr()
	bucket := ""
	if snap.BaseRemaining > 0 {
		ok, err := e.Repo.IncrementReelUsed(ctx, tx, shop.ID, nowStr)
		if err != nil {
			return "", err
		}
		if ok {
			bucket = domain.BucketBase
		}
	}
	if bucket == "" {
		ok, err := e.Repo.DecrementReelExtra(ctx, tx, shop.ID, nowStr)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrNoQuota
		}
		bucket = domain.BucketExtra
	}
	if err := e.appendLedgerTx(ctx, tx, shop.ID, domain.ResourceReel, domain.DirectionDebit, 1, meta); err != nil {
		return "", err
	}
	if err := e.syncProjectionTx(ctx, tx, shop.ID); err != nil {
		return "", err
	}
	return bucket, nil
}

func (e Engine) appendLedgerTx(ctx context.Context, tx *sql.Tx, shopID, resource, direction string, amount int, meta reserveMeta) error {
	actorType := meta.ActorType
	if actorType == "" {
		actorType = ActorSystem
	}
	t := domain.QuotaTransaction{
		ID:        uuid.NewString(),
		ShopID:    shopID,
		Resource:  resource,
		Direction: direction,
		Amount:    amount,
		Reason:    meta.Reason,
		ActorType: actorType,
		ActorID:   meta.ActorID,
		CreatedAt: e.nowStr(),
	}
	if meta.RefType != "" {
		t.RefType = &meta.RefType
	}
	if meta.RefID != "" {
		t.RefID = &meta.RefID
	}
	return e.Repo.InsertQuotaTransaction(ctx, tx, t)
}

func (e Engine) syncProjectionTx(ctx context.Context, tx *sql.Tx, shopID string) error {
	w, err := e.Repo.GetWallet(ctx, tx, shopID)
	if err != nil {
		return err
	}
	return e.Repo.UpdateShopProjection(ctx, tx, shopID, w.LiveBuckets().Total(), w.ReelBuckets().Total())
}

// CreditExtra adds purchased or granted units to the extra balance of
// one resource and writes the matching CREDIT ledger row.
func (e Engine) CreditExtra(ctx context.Context, shopID, resource string, amount int, reason, actorType, actorID string) (domain.QuotaWallet, error) {
	if resource != domain.ResourceLive && resource != domain.ResourceReel {
		return domain.QuotaWallet{}, fmt.Errorf("unknown resource %q", resource)
	}
	if amount <= 0 {
		return domain.QuotaWallet{}, errors.New("amount must be positive")
	}
	if reason == "" {
		reason = domain.ReasonPurchase
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	if _, err := e.ensureWalletTx(ctx, tx, shop); err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := e.Repo.CreditExtra(ctx, tx, shopID, resource, amount, e.nowStr()); err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := e.appendLedgerTx(ctx, tx, shopID, resource, domain.DirectionCredit, amount, reserveMeta{
		Reason:    reason,
		ActorType: actorType,
		ActorID:   actorID,
	}); err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := e.syncProjectionTx(ctx, tx, shopID); err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := e.Events.Append(ctx, tx, "quota.credited", shopID, "wallet", shopID, actorID, events.EventPayload{
		"resource": resource,
		"amount":   amount,
		"reason":   reason,
	}); err != nil {
		return domain.QuotaWallet{}, err
	}
	w, err := e.Repo.GetWallet(ctx, tx, shopID)
	if err != nil {
		return domain.QuotaWallet{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuotaWallet{}, err
	}
	return w, nil
}

// syncWalletToPlanTx rebases base limits on the shop's current plan.
// Used counters are clamped into the new limits; extra balances are
// untouched. Limit changes are audited, not ledgered, because the
// ledger records unit movements only.
func (e Engine) syncWalletToPlanTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, oldPlan, actorID string) error {
	w, err := e.ensureWalletTx(ctx, tx, shop)
	if err != nil {
		return err
	}
	limits := e.Config.Limits(shop.Plan)
	lb := w.LiveBuckets()
	lb.Limit = limits.WeeklyLiveLimit
	lb.Clamp()
	rb := w.ReelBuckets()
	rb.Limit = limits.ReelDailyLimit
	rb.Clamp()
	w.WeeklyLiveBaseLimit, w.WeeklyLiveUsed, w.LiveExtraBalance = lb.Limit, lb.Used, lb.Extra
	w.ReelDailyLimit, w.ReelDailyUsed, w.ReelExtraBalance = rb.Limit, rb.Used, rb.Extra
	w.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateWallet(ctx, tx, w); err != nil {
		return err
	}
	if err := e.syncProjectionTx(ctx, tx, shop.ID); err != nil {
		return err
	}
	return e.Events.Audit(ctx, tx, "wallet", shop.ID, "wallet.plan_sync", ActorAdmin, actorID,
		events.EventPayload{"from": oldPlan, "to": shop.Plan})
}

// burnQuotaTx records the missed-broadcast debit. The ledger row is the
// idempotency anchor: a later pass for the same stream finds it and
// does nothing. When both buckets are already empty the row is still
// written and the wallet stays as it is.
func (e Engine) burnQuotaTx(ctx context.Context, tx *sql.Tx, shop domain.Shop, streamID string) (bool, error) {
	exists, err := e.Repo.HasQuotaTransaction(ctx, tx, shop.ID, "stream", streamID, domain.ReasonMissedBurn)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	nowStr := e.nowStr()
	ok, err := e.Repo.IncrementLiveUsed(ctx, tx, shop.ID, nowStr)
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := e.Repo.DecrementLiveExtra(ctx, tx, shop.ID, nowStr); err != nil {
			return false, err
		}
	}
	if err := e.appendLedgerTx(ctx, tx, shop.ID, domain.ResourceLive, domain.DirectionDebit, 1, reserveMeta{
		Reason:    domain.ReasonMissedBurn,
		RefType:   "stream",
		RefID:     streamID,
		ActorType: ActorSystem,
	}); err != nil {
		return false, err
	}
	if err := e.syncProjectionTx(ctx, tx, shop.ID); err != nil {
		return false, err
	}
	return true, nil
}
