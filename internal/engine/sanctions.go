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

// RunSanctions is the periodic sweep. It evaluates every LIVE broadcast
// against the validated-report threshold and expires stale
// PENDING_REPROGRAMMATION broadcasts. Each candidate gets its own
// transaction and error boundary so one failure degrades to an error
// detail instead of aborting the batch. Repeated runs converge: every
// side effect is guarded by a status check, a claim row, or a ledger
// lookup.
func (e Engine) RunSanctions(ctx context.Context, asOf time.Time, actorID string) (domain.SanctionsReport, error) {
	asOf = asOf.UTC()
	report := domain.SanctionsReport{
		RunID: uuid.NewString(),
		RanAt: rfc3339(asOf),
	}

	candidates, err := e.Repo.ListStreamsByStatus(ctx, domain.StreamLive)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)
	for _, s := range candidates {
		d := e.sanctionOne(ctx, s.ID, asOf, report.RunID, actorID)
		report.Details = append(report.Details, d)
		switch d.Outcome {
		case domain.OutcomeSanctioned:
			report.Sanctioned++
			report.Reprogrammed += d.Reprogrammed
			report.Pending += d.Pending
		case domain.OutcomeSkipped:
			report.Skipped++
		}
	}

	pending, err := e.Repo.ListStreamsByStatus(ctx, domain.StreamPendingReprog)
	if err != nil {
		return report, err
	}
	for _, s := range pending {
		d := e.expirePendingOne(ctx, s.ID, asOf, actorID)
		if d.Outcome == domain.OutcomePendingExpired {
			report.PendingExpired++
		}
		if d.Outcome != domain.OutcomeSkipped {
			report.Details = append(report.Details, d)
		}
	}
	return report, nil
}

func (e Engine) sanctionOne(ctx context.Context, streamID string, asOf time.Time, runID, actorID string) domain.SanctionDetail {
	d := domain.SanctionDetail{StreamID: streamID}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	d.ShopID = s.ShopID
	if s.Status != domain.StreamLive {
		d.Outcome = domain.OutcomeSkipped
		return d
	}

	start := s.ScheduledAt
	if s.StartTime != nil {
		start = *s.StartTime
	}
	startAt, err := parseRFC3339(start)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = fmt.Sprintf("bad start time: %v", err)
		return d
	}
	cutoff := rfc3339(startAt.Add(e.Config.ReportGrace()))
	reports, err := e.Repo.CountValidatedReportsSince(ctx, tx, s.ID, cutoff)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	d.Reports = reports
	if reports < e.Config.Sanctions.ReportThreshold {
		d.Outcome = domain.OutcomeSkipped
		return d
	}

	claimed, err := e.Repo.ClaimSanction(ctx, tx, s.ID, runID, rfc3339(asOf))
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if !claimed {
		d.Outcome = domain.OutcomeSkipped
		return d
	}

	if err := e.applySanctionTx(ctx, tx, &d, s, asOf, runID, actorID); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if err := tx.Commit(); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	d.Outcome = domain.OutcomeSanctioned
	return d
}

func (e Engine) applySanctionTx(ctx context.Context, tx *sql.Tx, d *domain.SanctionDetail, s domain.Stream, asOf time.Time, runID, actorID string) error {
	shop, err := e.Repo.GetShopTx(ctx, tx, s.ShopID)
	if err != nil {
		return err
	}
	asOfStr := rfc3339(asOf)

	s.Status = domain.StreamMissed
	s.Hidden = true
	s.EndTime = &asOfStr
	s.StatusChangedAt = asOfStr
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "stream.missed", shop.ID, "stream", s.ID, actorID, events.EventPayload{
		"reports": d.Reports,
		"run_id":  runID,
	}); err != nil {
		return err
	}
	if err := e.Events.Audit(ctx, tx, "stream", s.ID, "sanction.missed", ActorSystem, actorID,
		events.EventPayload{"reports": d.Reports, "run_id": runID}); err != nil {
		return err
	}

	endAt := asOf.Add(e.Config.SuspensionDuration(shop.Plan))
	endAtStr := rfc3339(endAt)
	suspEnd := endAtStr
	active, err := e.Repo.ActiveSuspension(ctx, tx, shop.ID, asOfStr)
	switch {
	case err == nil && active.EndAt >= endAtStr:
		// an at-least-as-long suspension is already running
		suspEnd = active.EndAt
	case err == nil || errors.Is(err, repo.ErrNotFound):
		susp := domain.AgendaSuspension{
			ID:        uuid.NewString(),
			ShopID:    shop.ID,
			StartAt:   asOfStr,
			EndAt:     endAtStr,
			Reason:    "validated reports threshold reached",
			CreatedAt: asOfStr,
		}
		if err := e.Repo.InsertSuspension(ctx, tx, susp); err != nil {
			return err
		}
	default:
		return err
	}
	if shop.AgendaSuspendedUntil == nil || *shop.AgendaSuspendedUntil < suspEnd {
		if err := e.Repo.SuspendShop(ctx, tx, shop.ID, suspEnd, "validated reports threshold reached"); err != nil {
			return err
		}
	}

	if _, err := e.burnQuotaTx(ctx, tx, shop, s.ID); err != nil {
		return err
	}

	return e.reprogramWindowTx(ctx, tx, d, shop, asOf, suspEnd, s.ID, actorID)
}

// reprogramWindowTx pushes every UPCOMING broadcast inside the
// suspension window one offset forward from its original date. A
// same-day collision parks the broadcast as PENDING_REPROGRAMMATION
// instead of silently moving it. All touched broadcasts share a batch
// id.
func (e Engine) reprogramWindowTx(ctx context.Context, tx *sql.Tx, d *domain.SanctionDetail, shop domain.Shop, asOf time.Time, suspEnd, sanctionedID, actorID string) error {
	batchID := uuid.NewString()
	asOfStr := rfc3339(asOf)
	affected, err := e.Repo.ListShopStreamsBetween(ctx, tx, shop.ID, asOfStr, suspEnd, sanctionedID)
	if err != nil {
		return err
	}
	for _, u := range affected {
		if u.Status != domain.StreamUpcoming {
			continue
		}
		orig, err := parseRFC3339(u.OriginalScheduledAt)
		if err != nil {
			orig, err = parseRFC3339(u.ScheduledAt)
			if err != nil {
				return fmt.Errorf("stream %s: bad scheduled date: %w", u.ID, err)
			}
		}
		candidate := orig.Add(e.Config.ReprogramOffset())
		dayStart := DayStart(candidate)
		conflict, err := e.Repo.ShopHasStreamOnDay(ctx, tx, shop.ID, rfc3339(dayStart), rfc3339(dayStart.AddDate(0, 0, 1)), u.ID)
		if err != nil {
			return err
		}
		reason := "agenda suspension"
		u.ReprogramReason = &reason
		u.ReprogramBatchID = &batchID
		u.StatusChangedAt = asOfStr
		if conflict {
			note := fmt.Sprintf("target day %s already taken", DayKey(candidate))
			u.Status = domain.StreamPendingReprog
			u.PendingReprogramNote = &note
			if err := e.Repo.UpdateStream(ctx, tx, u); err != nil {
				return err
			}
			if err := e.Events.Append(ctx, tx, "stream.reprogram.pending", shop.ID, "stream", u.ID, actorID, events.EventPayload{
				"batch_id": batchID,
				"note":     note,
			}); err != nil {
				return err
			}
			d.Pending++
			continue
		}
		u.ScheduledAt = rfc3339(candidate)
		if err := e.Repo.UpdateStream(ctx, tx, u); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "stream.reprogram.auto", shop.ID, "stream", u.ID, actorID, events.EventPayload{
			"batch_id":     batchID,
			"scheduled_at": u.ScheduledAt,
		}); err != nil {
			return err
		}
		d.Reprogrammed++
	}
	return nil
}

// expirePendingOne forces a stale parked broadcast to MISSED once its
// shop is back in active standing and the resolution window has passed.
func (e Engine) expirePendingOne(ctx context.Context, streamID string, asOf time.Time, actorID string) domain.SanctionDetail {
	d := domain.SanctionDetail{StreamID: streamID}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	d.ShopID = s.ShopID
	if s.Status != domain.StreamPendingReprog {
		d.Outcome = domain.OutcomeSkipped
		return d
	}
	shop, err := e.Repo.GetShopTx(ctx, tx, s.ShopID)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	asOfStr := rfc3339(asOf)
	activeStanding := shop.Status == domain.ShopActive ||
		(shop.Status == domain.ShopAgendaSuspended && shop.AgendaSuspendedUntil != nil && *shop.AgendaSuspendedUntil <= asOfStr)
	if !activeStanding {
		d.Outcome = domain.OutcomeSkipped
		return d
	}
	changedAt, err := parseRFC3339(s.StatusChangedAt)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = fmt.Sprintf("bad status timestamp: %v", err)
		return d
	}
	if asOf.Sub(changedAt) <= e.Config.PendingTimeout() {
		d.Outcome = domain.OutcomeSkipped
		return d
	}

	s.Status = domain.StreamMissed
	s.Hidden = true
	s.EndTime = &asOfStr
	s.StatusChangedAt = asOfStr
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if _, err := e.burnQuotaTx(ctx, tx, shop, s.ID); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if err := e.Events.Audit(ctx, tx, "stream", s.ID, "sanction.pending_expired", ActorSystem, actorID,
		events.EventPayload{"status_changed_at": rfc3339(changedAt)}); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if err := e.Events.Append(ctx, tx, "stream.missed", shop.ID, "stream", s.ID, actorID, events.EventPayload{
		"forced": true,
	}); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	if err := tx.Commit(); err != nil {
		d.Outcome = domain.OutcomeError
		d.Error = err.Error()
		return d
	}
	d.Outcome = domain.OutcomePendingExpired
	return d
}
