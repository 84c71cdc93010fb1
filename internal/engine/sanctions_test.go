package engine_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"vitrina/internal/domain"
	"vitrina/internal/engine"
)

// sanctionableStream schedules and starts a broadcast, advances past the
// report grace, then files the given number of validated reports.
func (env *testEnv) sanctionableStream(t *testing.T, shopID string, validated int) domain.Stream {
	t.Helper()
	s := env.mustSchedule(t, shopID, env.now)
	if _, err := env.Engine.StartStream(env.Ctx, s.ID, "seller"); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.advance(10 * time.Minute)
	env.fileValidatedReports(t, s.ID, validated)
	return s
}

func (env *testEnv) fileValidatedReports(t *testing.T, streamID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		rep, err := env.Engine.AddReport(env.Ctx, streamID, "producto falso", fmt.Sprintf("viewer-%d", i))
		if err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if _, err := env.Engine.ValidateReport(env.Ctx, rep.ID, "moderator"); err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
	}
}

func TestSanctionAtThreshold(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	s := env.sanctionableStream(t, shop.ID, 5)
	asOf := env.now

	report, err := env.Engine.RunSanctions(env.Ctx, asOf, "system")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Candidates != 1 || report.Sanctioned != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	missed, err := env.Engine.Repo.GetStream(env.Ctx, nil, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if missed.Status != domain.StreamMissed || !missed.Hidden || missed.EndTime == nil {
		t.Fatalf("expected hidden MISSED with end time, got %+v", missed)
	}

	suspended, err := env.Engine.Repo.GetShop(env.Ctx, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantUntil := asOf.Add(7 * 24 * time.Hour).Format(time.RFC3339)
	if suspended.Status != domain.ShopAgendaSuspended || suspended.AgendaSuspendedUntil == nil || *suspended.AgendaSuspendedUntil != wantUntil {
		t.Fatalf("expected suspension until %s, got %+v", wantUntil, suspended)
	}
	susps, err := env.Engine.Repo.ListSuspensions(env.Ctx, shop.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(susps) != 1 || susps[0].EndAt != wantUntil {
		t.Fatalf("unexpected suspension rows: %+v", susps)
	}

	if got := env.ledgerCount(t, shop.ID, domain.ReasonMissedBurn); got != 1 {
		t.Fatalf("expected 1 burn row, got %d", got)
	}

	// reruns converge: nothing left to sanction, no double burn
	again, err := env.Engine.RunSanctions(env.Ctx, asOf.Add(time.Minute), "system")
	if err != nil {
		t.Fatal(err)
	}
	if again.Sanctioned != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", again)
	}
	if got := env.ledgerCount(t, shop.ID, domain.ReasonMissedBurn); got != 1 {
		t.Fatalf("expected burn row to stay at 1, got %d", got)
	}
}

func TestRecountSupersedesBaseBurn(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media") // 2 weekly lives, burn lands in the base bucket
	env.sanctionableStream(t, shop.ID, 5)

	if _, err := env.Engine.RunSanctions(env.Ctx, env.now, "system"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.ledgerCount(t, shop.ID, domain.ReasonMissedBurn); got != 1 {
		t.Fatalf("expected 1 burn row, got %d", got)
	}

	// the MISSED broadcast left the window, so the next recount
	// rebuilds used from zero; only the ledger keeps the burn visible
	snap, err := env.Engine.LiveQuotaSnapshot(env.Ctx, shop.ID, env.now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.BaseUsed != 0 || snap.BaseRemaining != 2 {
		t.Fatalf("expected recounted window 0/2, got %+v", snap)
	}
}

func TestSanctionBelowThresholdSkips(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	s := env.sanctionableStream(t, shop.ID, 4)

	report, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if report.Sanctioned != 0 || report.Skipped != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	still, err := env.Engine.Repo.GetStream(env.Ctx, nil, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if still.Status != domain.StreamLive {
		t.Fatalf("expected stream to stay live, got %s", still.Status)
	}
}

func TestReportsInsideGraceDoNotCount(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "basica")
	s := env.mustSchedule(t, shop.ID, env.now)
	if _, err := env.Engine.StartStream(env.Ctx, s.ID, "seller"); err != nil {
		t.Fatal(err)
	}
	// filed before start+grace, so the sweep ignores them even when validated
	env.fileValidatedReports(t, s.ID, 2)
	env.advance(10 * time.Minute)
	env.fileValidatedReports(t, s.ID, 4)

	report, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if report.Sanctioned != 0 {
		t.Fatalf("expected no sanction, got %+v", report)
	}
	if len(report.Details) != 1 || report.Details[0].Reports != 4 {
		t.Fatalf("expected 4 counted reports, got %+v", report.Details)
	}
}

func TestSuspensionReprogramsWindow(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	upcoming := env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 2))
	env.sanctionableStream(t, shop.ID, 5)

	report, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if report.Sanctioned != 1 || report.Reprogrammed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	moved, err := env.Engine.Repo.GetStream(env.Ctx, nil, upcoming.ID)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := time.Parse(time.RFC3339, upcoming.ScheduledAt)
	if moved.Status != domain.StreamUpcoming || moved.ScheduledAt != want.AddDate(0, 0, 7).Format(time.RFC3339) {
		t.Fatalf("expected stream pushed 7 days, got %+v", moved)
	}
	if moved.ReprogramBatchID == nil || moved.ReprogramReason == nil || *moved.ReprogramReason != "agenda suspension" {
		t.Fatalf("expected reprogram markers, got %+v", moved)
	}
	if moved.OriginalScheduledAt != upcoming.ScheduledAt {
		t.Fatalf("original date must be preserved, got %s", moved.OriginalScheduledAt)
	}
}

func TestReprogramConflictParksPending(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "maxima")
	inWindow := env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 2))
	blocker := env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 9))
	env.sanctionableStream(t, shop.ID, 5)

	report, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if report.Sanctioned != 1 || report.Pending != 1 || report.Reprogrammed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	parked, err := env.Engine.Repo.GetStream(env.Ctx, nil, inWindow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if parked.Status != domain.StreamPendingReprog {
		t.Fatalf("expected pending reprogrammation, got %s", parked.Status)
	}
	if parked.PendingReprogramNote == nil || !strings.Contains(*parked.PendingReprogramNote, "already taken") {
		t.Fatalf("expected conflict note, got %+v", parked.PendingReprogramNote)
	}

	// resolving onto the blocker's day is still a conflict
	_, err = env.Engine.ResolvePendingStream(env.Ctx, inWindow.ID, blocker.ScheduledAt, "seller")
	if err == nil {
		t.Fatalf("expected day conflict")
	}
	resolved, err := env.Engine.ResolvePendingStream(env.Ctx, inWindow.ID, env.now.AddDate(0, 0, 10).Format(time.RFC3339), "seller")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StreamUpcoming || resolved.PendingReprogramNote != nil {
		t.Fatalf("expected clean upcoming stream, got %+v", resolved)
	}
}

func TestPendingExpiryForcesMissed(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "maxima")
	inWindow := env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 2))
	env.mustSchedule(t, shop.ID, env.now.AddDate(0, 0, 9))
	env.sanctionableStream(t, shop.ID, 5)

	if _, err := env.Engine.RunSanctions(env.Ctx, env.now, "system"); err != nil {
		t.Fatal(err)
	}

	// while the suspension is still running the parked stream is left alone
	env.advance(24 * time.Hour)
	mid, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if mid.PendingExpired != 0 {
		t.Fatalf("expected no expiry during suspension, got %+v", mid)
	}

	// top tier suspension is 4 days; at day 5 the 48h resolution window
	// has long passed
	env.advance(4 * 24 * time.Hour)
	late, err := env.Engine.RunSanctions(env.Ctx, env.now, "system")
	if err != nil {
		t.Fatal(err)
	}
	if late.PendingExpired != 1 {
		t.Fatalf("expected one expiry, got %+v", late)
	}

	forced, err := env.Engine.Repo.GetStream(env.Ctx, nil, inWindow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if forced.Status != domain.StreamMissed || !forced.Hidden {
		t.Fatalf("expected forced hidden MISSED, got %+v", forced)
	}
	if got := env.ledgerCount(t, shop.ID, domain.ReasonMissedBurn); got != 2 {
		t.Fatalf("expected burns for sanctioned and expired streams, got %d", got)
	}
}

func TestSanctionSuspensionBlocksScheduling(t *testing.T) {
	env := newTestEnv(t)
	shop := env.mustShop(t, "media")
	env.sanctionableStream(t, shop.ID, 5)
	if _, err := env.Engine.RunSanctions(env.Ctx, env.now, "system"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ScheduleStream(env.Ctx, engine.StreamScheduleOptions{
		ShopID:      shop.ID,
		ScheduledAt: env.now.Add(time.Hour).Format(time.RFC3339),
		ActorID:     "seller",
	})
	if err == nil || !strings.Contains(err.Error(), "suspended") {
		t.Fatalf("expected suspension to block scheduling, got %v", err)
	}
}
