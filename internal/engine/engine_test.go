package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"vitrina/internal/config"
	"vitrina/internal/db"
	"vitrina/internal/domain"
	"vitrina/internal/engine"
	"vitrina/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Monday, start of an ISO week.
	env := &testEnv{Ctx: context.Background(), now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return env.now }
	eng.Events.Now = func() time.Time { return env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) mustShop(t *testing.T, plan string) domain.Shop {
	t.Helper()
	s, err := env.Engine.CreateShop(env.Ctx, engine.ShopCreateOptions{Name: "Tienda Uno", Plan: plan, ActorID: "admin"})
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}
	return s
}

func (env *testEnv) mustSchedule(t *testing.T, shopID string, at time.Time) domain.Stream {
	t.Helper()
	s, err := env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shopID,
		Title:       "venta en vivo",
		ScheduledAt: at.Format(time.RFC3339),
		ActorID:     "seller",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return s
}

func (env *testEnv) ledgerCount(t *testing.T, shopID, reason string) int {
	t.Helper()
	var n int
	err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT count(*) FROM quota_transactions WHERE shop_id=? AND reason=?`, shopID, reason).Scan(&n)
	if err != nil {
		t.Fatalf("count ledger: %v", err)
	}
	return n
}

func TestScheduleConsumesBaseThenExtra(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "maxima") // 3 weekly lives

	for i := 0; i < 3; i++ {
		env.mustSchedule(t, shop.ID, env.now.Add(time.Duration(i+1)*time.Hour))
	}
	_, err := env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(4 * time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if !errors.Is(err, engine.ErrNoQuota) {
		t.Fatalf("expected ErrNoQuota, got %v", err)
	}

	if _, err := env.Engine.CreditExtra(env.Ctx, shop.ID, domain.ResourceLive, 1, domain.ReasonPurchase, engine.ActorShop, "seller"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	env.mustSchedule(t, shop.ID, env.now.Add(5*time.Hour))
	_, err = env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(6 * time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if !errors.Is(err, engine.ErrNoQuota) {
		t.Fatalf("expected ErrNoQuota after extra spent, got %v", err)
	}

	if got := env.ledgerCount(t, shop.ID, domain.ReasonSchedule); got != 4 {
		t.Fatalf("expected 4 schedule debits, got %d", got)
	}
	if got := env.ledgerCount(t, shop.ID, domain.ReasonPurchase); got != 1 {
		t.Fatalf("expected 1 credit row, got %d", got)
	}
	updated, err := env.Engine.Repo.GetShop(env.Ctx, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.StreamQuota != 0 {
		t.Fatalf("expected stream quota projection 0, got %d", updated.StreamQuota)
	}
}

func TestLastExtraUnitSpentOnce(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica") // 1 weekly live
	env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))
	if _, err := env.Engine.CreditExtra(env.Ctx, shop.ID, domain.ResourceLive, 1, domain.ReasonPurchase, engine.ActorShop, "seller"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	// base window full, one extra unit left: the guarded decrement
	// may only hand it out once
	results := make([]error, 2)
	for i := range results {
		_, results[i] = env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
			ShopID:      shop.ID,
			ScheduledAt: env.now.Add(time.Duration(i+2) * time.Hour).Format(time.RFC3339),
			ActorID:     "seller",
		})
	}
	var wins, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrNoQuota):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || exhausted != 1 {
		t.Fatalf("expected one success and one exhaustion, got %d wins, %d exhausted", wins, exhausted)
	}
	var extra int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT live_extra_balance FROM quota_wallets WHERE shop_id=?`, shop.ID).Scan(&extra); err != nil {
		t.Fatal(err)
	}
	if extra != 0 {
		t.Fatalf("expected extra balance 0, got %d", extra)
	}
}

func TestScheduleNextWeekUsesFreshWindow(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica") // 1 weekly live

	env.mustSchedule(t, shop.ID, env.now.Add(48*time.Hour))
	_, err := env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(72 * time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if !errors.Is(err, engine.ErrNoQuota) {
		t.Fatalf("expected ErrNoQuota in same week, got %v", err)
	}
	// next ISO week has its own base allowance
	env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 8))
}

func TestScheduleRejectedWhileSuspended(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	until := env.now.Add(72 * time.Hour).Format(time.RFC3339)
	if err := env.Engine.Repo.SuspendShop(env.Ctx, tx, shop.ID, until, "test"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	_, err = env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if err == nil || !strings.Contains(err.Error(), "suspended") {
		t.Fatalf("expected suspension error, got %v", err)
	}

	// once the suspension lapses the agenda reopens
	env.advance(80 * time.Hour)
	env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))
}

func TestScheduleRejectedWhenBanned(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE shops SET status='BANNED' WHERE id=?`, shop.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if err == nil || !strings.Contains(err.Error(), "banned") {
		t.Fatalf("expected banned error, got %v", err)
	}
}

func TestStreamTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	s := env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))

	// cannot finish before going live
	if _, err := env.Engine.FinishStream(env.Ctx, s.ID, "seller"); err == nil {
		t.Fatalf("expected transition error")
	}
	live, err := env.Engine.StartStream(env.Ctx, s.ID, "seller")
	if err != nil || live.Status != domain.StreamLive {
		t.Fatalf("start: %v", err)
	}
	if live.StartTime == nil {
		t.Fatalf("expected start time")
	}
	done, err := env.Engine.FinishStream(env.Ctx, s.ID, "seller")
	if err != nil || done.Status != domain.StreamFinished {
		t.Fatalf("finish: %v", err)
	}
	if done.EndTime == nil {
		t.Fatalf("expected end time")
	}
	if _, err := env.Engine.StartStream(env.Ctx, s.ID, "seller"); err == nil {
		t.Fatalf("expected error restarting finished stream")
	}
}

func TestCancelledStreamFreesWindowSlot(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	s := env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))
	if _, err := env.Engine.CancelStream(env.Ctx, s.ID, "seller"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// the weekly recount only sees slot-holding statuses
	env.mustSchedule(t, shop.ID, env.now.Add(2*time.Hour))
}

func TestReelDailyWindowRolls(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica") // 1 daily reel

	if _, err := env.Engine.CreateReel(env.Ctx, engine.ReelCreateOptions{ShopID: shop.ID, Title: "r1", ActorID: "seller"}); err != nil {
		t.Fatalf("reel: %v", err)
	}
	_, err := env.Engine.CreateReel(env.Ctx, engine.ReelCreateOptions{ShopID: shop.ID, Title: "r2", ActorID: "seller"})
	if !errors.Is(err, engine.ErrNoQuota) {
		t.Fatalf("expected ErrNoQuota, got %v", err)
	}
	env.advance(24 * time.Hour)
	if _, err := env.Engine.CreateReel(env.Ctx, engine.ReelCreateOptions{ShopID: shop.ID, Title: "r3", ActorID: "seller"}); err != nil {
		t.Fatalf("reel next day: %v", err)
	}
}

func TestLegacyWalletBackfill(t *testing.T) {
	env := newTestEnv(t)
	legacyLive := 5
	legacyReel := 0
	shop, err := env.Engine.CreateShop(env.Ctx, engine.ShopCreateOptions{
		Name:              "Migrada",
		Plan:              "basica",
		LegacyStreamQuota: &legacyLive,
		LegacyReelQuota:   &legacyReel,
		ActorID:           "admin",
	})
	if err != nil {
		t.Fatal(err)
	}
	// basica base is 1: one unit lands in base, the rest becomes extra
	if shop.StreamQuota != 5 {
		t.Fatalf("expected projected stream quota 5, got %d", shop.StreamQuota)
	}
	if shop.ReelQuota != 0 {
		t.Fatalf("expected projected reel quota 0, got %d", shop.ReelQuota)
	}
	w, err := env.Engine.Repo.GetWallet(env.Ctx, nil, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.WeeklyLiveUsed != 0 || w.LiveExtraBalance != 4 {
		t.Fatalf("unexpected live wallet: used=%d extra=%d", w.WeeklyLiveUsed, w.LiveExtraBalance)
	}
	if w.ReelDailyUsed != w.ReelDailyLimit {
		t.Fatalf("expected exhausted reel base, got used=%d limit=%d", w.ReelDailyUsed, w.ReelDailyLimit)
	}
}

func TestPlanChangeRebasesWallet(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	if _, err := env.Engine.CreditExtra(env.Ctx, shop.ID, domain.ResourceLive, 2, domain.ReasonAdminGrant, engine.ActorAdmin, "admin"); err != nil {
		t.Fatal(err)
	}
	env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))

	upgraded, err := env.Engine.SetShopPlan(env.Ctx, shop.ID, "maxima", "admin")
	if err != nil {
		t.Fatalf("set plan: %v", err)
	}
	if upgraded.Plan != "maxima" {
		t.Fatalf("expected maxima, got %s", upgraded.Plan)
	}
	w, err := env.Engine.Repo.GetWallet(env.Ctx, nil, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.WeeklyLiveBaseLimit != 3 || w.WeeklyLiveUsed != 1 || w.LiveExtraBalance != 2 {
		t.Fatalf("unexpected wallet after upgrade: %+v", w)
	}
	// remaining 2 base + 2 extra
	stored, err := env.Engine.Repo.GetShop(env.Ctx, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.StreamQuota != 4 {
		t.Fatalf("expected projection 4, got %d", stored.StreamQuota)
	}
}

func TestPlanResolvesBySubstring(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "plan-maxima-2024")
	w, err := env.Engine.Repo.GetWallet(env.Ctx, nil, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if w.WeeklyLiveBaseLimit != 3 {
		t.Fatalf("expected maxima limits, got %d", w.WeeklyLiveBaseLimit)
	}
}

func TestCreditValidation(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	if _, err := env.Engine.CreditExtra(env.Ctx, shop.ID, domain.ResourceLive, 0, "", engine.ActorAdmin, "admin"); err == nil {
		t.Fatalf("expected amount error")
	}
	if _, err := env.Engine.CreditExtra(env.Ctx, shop.ID, "GIFT", 1, "", engine.ActorAdmin, "admin"); err == nil {
		t.Fatalf("expected resource error")
	}
}

func TestNormalizeWalletRepairsDrift(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))

	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE quota_wallets SET weekly_live_used=99 WHERE shop_id=?`, shop.ID); err != nil {
		t.Fatal(err)
	}
	w, err := env.Engine.NormalizeWallet(env.Ctx, shop.ID)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if w.WeeklyLiveUsed != 1 {
		t.Fatalf("expected recounted used 1, got %d", w.WeeklyLiveUsed)
	}
}

func TestQuotaSnapshotWindowKeys(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	live, err := env.Engine.LiveQuotaSnapshot(env.Ctx, shop.ID, env.now)
	if err != nil {
		t.Fatal(err)
	}
	if live.WindowKey != "2025-06-02" {
		t.Fatalf("expected week key 2025-06-02, got %s", live.WindowKey)
	}
	reel, err := env.Engine.ReelQuotaSnapshot(env.Ctx, shop.ID, env.now)
	if err != nil {
		t.Fatal(err)
	}
	if reel.WindowKey != "2025-06-02" {
		t.Fatalf("expected day key 2025-06-02, got %s", reel.WindowKey)
	}
	if live.BaseRemaining != 2 || reel.BaseRemaining != 2 {
		t.Fatalf("expected fresh media allowances, got live=%d reel=%d", live.BaseRemaining, reel.BaseRemaining)
	}
}

func TestReportLifecycle(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	s := env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))

	// reports only attach to live broadcasts
	if _, err := env.Engine.AddReport(env.Ctx, s.ID, "spam", "viewer-1"); err == nil {
		t.Fatalf("expected not-live error")
	}
	if _, err := env.Engine.StartStream(env.Ctx, s.ID, "seller"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.AddReport(env.Ctx, s.ID, "spam", "viewer-1")
	if err != nil {
		t.Fatalf("add report: %v", err)
	}
	if rep.Status != domain.ReportOpen {
		t.Fatalf("expected OPEN, got %s", rep.Status)
	}
	validated, err := env.Engine.ValidateReport(env.Ctx, rep.ID, "moderator")
	if err != nil || validated.Status != domain.ReportValidated {
		t.Fatalf("validate: %v", err)
	}
	// a decided report cannot be reviewed again
	if _, err := env.Engine.RejectReport(env.Ctx, rep.ID, "moderator"); err == nil {
		t.Fatalf("expected already-reviewed error")
	}
}

func TestReportReviewGuardedUpdate(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	s := env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))
	if _, err := env.Engine.StartStream(env.Ctx, s.ID, "seller"); err != nil {
		t.Fatal(err)
	}
	rep, err := env.Engine.AddReport(env.Ctx, s.ID, "spam", "viewer-1")
	if err != nil {
		t.Fatal(err)
	}

	// the UPDATE itself carries the OPEN guard, so a second reviewer
	// racing past the engine's read finds zero rows
	ok, err := env.Engine.Repo.ReviewOpenReport(env.Ctx, nil, rep.ID, domain.ReportValidated)
	if err != nil || !ok {
		t.Fatalf("first review: ok=%v err=%v", ok, err)
	}
	ok, err = env.Engine.Repo.ReviewOpenReport(env.Ctx, nil, rep.ID, domain.ReportRejected)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("second review should find no OPEN row")
	}
	got, err := env.Engine.Repo.GetReport(env.Ctx, rep.ID)
	if err != nil || got.Status != domain.ReportValidated {
		t.Fatalf("expected first decision to stick, got %+v (%v)", got, err)
	}
}

func TestAuditEntriesWritten(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	if _, err := env.Engine.SetShopPlan(env.Ctx, shop.ID, "media", "admin"); err != nil {
		t.Fatalf("plan: %v", err)
	}
	entries, err := env.Engine.Repo.ListAuditEntries(env.Ctx, "wallet", shop.ID, 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var found bool
	for _, a := range entries {
		if a.Action == "wallet.plan_sync" && strings.Contains(a.DetailJSON, `"to":"media"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected plan_sync audit entry, got %+v", entries)
	}
}

func TestEventsRecordedOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	s := env.mustSchedule(t, shop.ID, env.now.Add(time.Hour))
	_, _ = env.Engine.StartStream(env.Ctx, s.ID, "seller")
	_, _ = env.Engine.FinishStream(env.Ctx, s.ID, "seller")

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, shop.ID, "", "stream", s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) < 3 {
		t.Fatalf("expected scheduled/live/finished events, got %d", len(events))
	}
}
