package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"vitrina/internal/config"
	"vitrina/internal/domain"
	"vitrina/internal/events"
	"vitrina/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) nowStr() string {
	return rfc3339(e.now())
}

// Actor types recorded on ledger rows and audit entries.
const (
	ActorSystem = "SYSTEM"
	ActorAdmin  = "ADMIN"
	ActorShop   = "SHOP"
)

// ShopCreateOptions are parameters for registering a shop.
type ShopCreateOptions struct {
	ID   string
	Name string
	Plan string
	// Legacy quota counters from a previous system. When set, the
	// wallet is backfilled from them instead of the plan defaults.
	LegacyStreamQuota *int
	LegacyReelQuota   *int
	ActorID           string
}

func (e Engine) CreateShop(ctx context.Context, opts ShopCreateOptions) (domain.Shop, error) {
	if e.Config == nil {
		return domain.Shop{}, errors.New("config not loaded")
	}
	if opts.Name == "" {
		return domain.Shop{}, errors.New("name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	plan, _ := e.Config.ResolveTier(opts.Plan)
	now := e.now()
	nowStr := rfc3339(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shop{}, err
	}
	defer tx.Rollback()

	shop := domain.Shop{
		ID:        opts.ID,
		Name:      opts.Name,
		Plan:      plan,
		Status:    domain.ShopActive,
		CreatedAt: nowStr,
	}
	wallet := e.walletFromPlan(shop, now)
	if opts.LegacyStreamQuota != nil || opts.LegacyReelQuota != nil {
		wallet = e.walletFromLegacy(shop, opts.LegacyStreamQuota, opts.LegacyReelQuota, now)
	}
	shop.StreamQuota = wallet.LiveBuckets().Total()
	shop.ReelQuota = wallet.ReelBuckets().Total()

	if err := e.Repo.InsertShop(ctx, tx, shop); err != nil {
		return domain.Shop{}, fmt.Errorf("insert shop: %w", err)
	}
	if err := e.Repo.InsertWallet(ctx, tx, wallet); err != nil {
		return domain.Shop{}, fmt.Errorf("insert wallet: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "shop.created", shop.ID, "shop", shop.ID, opts.ActorID, events.EventPayload{
		"plan":   shop.Plan,
		"status": shop.Status,
	}); err != nil {
		return domain.Shop{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Shop{}, err
	}
	return shop, nil
}

// SetShopPlan moves a shop to another tier and rebases the wallet base
// limits on the new tier. Used counters are carried over, clamped into
// the new limits. Extra balances are never touched by a plan change.
func (e Engine) SetShopPlan(ctx context.Context, shopID, plan, actorID string) (domain.Shop, error) {
	if e.Config == nil {
		return domain.Shop{}, errors.New("config not loaded")
	}
	resolved, _ := e.Config.ResolveTier(plan)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shop{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, shopID)
	if err != nil {
		return domain.Shop{}, err
	}
	if shop.Plan != resolved {
		if err := e.Repo.UpdateShopPlan(ctx, tx, shopID, resolved); err != nil {
			return domain.Shop{}, err
		}
		old := shop.Plan
		shop.Plan = resolved
		if err := e.syncWalletToPlanTx(ctx, tx, shop, old, actorID); err != nil {
			return domain.Shop{}, err
		}
		if err := e.Events.Append(ctx, tx, "shop.plan_changed", shop.ID, "shop", shop.ID, actorID, events.EventPayload{
			"from": old,
			"to":   resolved,
		}); err != nil {
			return domain.Shop{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Shop{}, err
	}
	return shop, nil
}

func ensureStreamTransition(from, to string) error {
	allowed := map[string][]string{
		domain.StreamUpcoming:      {domain.StreamLive, domain.StreamCancelled, domain.StreamPendingReprog, domain.StreamBanned},
		domain.StreamLive:          {domain.StreamFinished, domain.StreamMissed, domain.StreamBanned},
		domain.StreamPendingReprog: {domain.StreamUpcoming, domain.StreamMissed, domain.StreamCancelled, domain.StreamBanned},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid stream transition %s -> %s", from, to)
}

// StreamScheduleOptions are parameters for booking a broadcast slot.
type StreamScheduleOptions struct {
	ID          string
	ShopID      string
	Title       string
	ScheduledAt string
	ActorID     string
}

func (e Engine) ScheduleStream(ctx context.Context, opts StreamScheduleOptions) (domain.Stream, error) {
	if e.Config == nil {
		return domain.Stream{}, errors.New("config not loaded")
	}
	if opts.ShopID == "" {
		return domain.Stream{}, errors.New("shop is required")
	}
	scheduledAt, err := parseRFC3339(opts.ScheduledAt)
	if err != nil {
		return domain.Stream{}, fmt.Errorf("invalid scheduled_at: %w", err)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.now()
	nowStr := rfc3339(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, opts.ShopID)
	if err != nil {
		return domain.Stream{}, err
	}
	if shop.Status == domain.ShopBanned {
		return domain.Stream{}, errors.New("shop is banned")
	}
	if shop.Status == domain.ShopAgendaSuspended && shop.AgendaSuspendedUntil != nil && *shop.AgendaSuspendedUntil > nowStr {
		return domain.Stream{}, fmt.Errorf("agenda suspended until %s", *shop.AgendaSuspendedUntil)
	}

	bucket, err := e.reserveLiveTx(ctx, tx, shop, scheduledAt, reserveMeta{
		Reason:    domain.ReasonSchedule,
		RefType:   "stream",
		RefID:     opts.ID,
		ActorType: ActorShop,
		ActorID:   opts.ActorID,
	})
	if err != nil {
		return domain.Stream{}, err
	}

	s := domain.Stream{
		ID:                  opts.ID,
		ShopID:              shop.ID,
		Title:               opts.Title,
		Status:              domain.StreamUpcoming,
		ScheduledAt:         rfc3339(scheduledAt),
		OriginalScheduledAt: rfc3339(scheduledAt),
		StatusChangedAt:     nowStr,
		CreatedAt:           nowStr,
	}
	if err := e.Repo.InsertStream(ctx, tx, s); err != nil {
		return domain.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "stream.scheduled", shop.ID, "stream", s.ID, opts.ActorID, events.EventPayload{
		"scheduled_at": s.ScheduledAt,
		"bucket":       bucket,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

func (e Engine) StartStream(ctx context.Context, streamID, actorID string) (domain.Stream, error) {
	return e.transitionStream(ctx, streamID, domain.StreamLive, actorID, func(s *domain.Stream, nowStr string) {
		s.StartTime = &nowStr
	})
}

func (e Engine) FinishStream(ctx context.Context, streamID, actorID string) (domain.Stream, error) {
	return e.transitionStream(ctx, streamID, domain.StreamFinished, actorID, func(s *domain.Stream, nowStr string) {
		s.EndTime = &nowStr
	})
}

func (e Engine) CancelStream(ctx context.Context, streamID, actorID string) (domain.Stream, error) {
	return e.transitionStream(ctx, streamID, domain.StreamCancelled, actorID, nil)
}

func (e Engine) transitionStream(ctx context.Context, streamID, to, actorID string, mutate func(*domain.Stream, string)) (domain.Stream, error) {
	nowStr := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if err := ensureStreamTransition(s.Status, to); err != nil {
		return domain.Stream{}, err
	}
	from := s.Status
	s.Status = to
	s.StatusChangedAt = nowStr
	if mutate != nil {
		mutate(&s, nowStr)
	}
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "stream."+strings.ToLower(to), s.ShopID, "stream", s.ID, actorID, events.EventPayload{
		"from": from,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// ResolvePendingStream confirms a new date for a broadcast that was
// parked during an automatic reschedule because its target day was
// taken.
func (e Engine) ResolvePendingStream(ctx context.Context, streamID, newDate, actorID string) (domain.Stream, error) {
	scheduledAt, err := parseRFC3339(newDate)
	if err != nil {
		return domain.Stream{}, fmt.Errorf("invalid scheduled_at: %w", err)
	}
	nowStr := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Stream{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Stream{}, err
	}
	if err := ensureStreamTransition(s.Status, domain.StreamUpcoming); err != nil {
		return domain.Stream{}, err
	}
	dayStart := DayStart(scheduledAt)
	conflict, err := e.Repo.ShopHasStreamOnDay(ctx, tx, s.ShopID, rfc3339(dayStart), rfc3339(dayStart.AddDate(0, 0, 1)), s.ID)
	if err != nil {
		return domain.Stream{}, err
	}
	if conflict {
		return domain.Stream{}, fmt.Errorf("shop already has a broadcast on %s", DayKey(scheduledAt))
	}
	s.Status = domain.StreamUpcoming
	s.ScheduledAt = rfc3339(scheduledAt)
	s.PendingReprogramNote = nil
	s.StatusChangedAt = nowStr
	if err := e.Repo.UpdateStream(ctx, tx, s); err != nil {
		return domain.Stream{}, err
	}
	if err := e.Events.Append(ctx, tx, "stream.reprogram.resolved", s.ShopID, "stream", s.ID, actorID, events.EventPayload{
		"scheduled_at": s.ScheduledAt,
	}); err != nil {
		return domain.Stream{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Stream{}, err
	}
	return s, nil
}

// ReelCreateOptions are parameters for publishing a reel.
type ReelCreateOptions struct {
	ID      string
	ShopID  string
	Title   string
	ActorID string
}

func (e Engine) CreateReel(ctx context.Context, opts ReelCreateOptions) (domain.Reel, error) {
	if e.Config == nil {
		return domain.Reel{}, errors.New("config not loaded")
	}
	if opts.ShopID == "" {
		return domain.Reel{}, errors.New("shop is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.now()
	nowStr := rfc3339(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reel{}, err
	}
	defer tx.Rollback()

	shop, err := e.Repo.GetShopTx(ctx, tx, opts.ShopID)
	if err != nil {
		return domain.Reel{}, err
	}
	if shop.Status == domain.ShopBanned {
		return domain.Reel{}, errors.New("shop is banned")
	}

	bucket, err := e.reserveReelTx(ctx, tx, shop, now, reserveMeta{
		Reason:    domain.ReasonReel,
		RefType:   "reel",
		RefID:     opts.ID,
		ActorType: ActorShop,
		ActorID:   opts.ActorID,
	})
	if err != nil {
		return domain.Reel{}, err
	}

	r := domain.Reel{
		ID:        opts.ID,
		ShopID:    shop.ID,
		Title:     opts.Title,
		CreatedAt: nowStr,
	}
	if err := e.Repo.InsertReel(ctx, tx, r); err != nil {
		return domain.Reel{}, fmt.Errorf("insert reel: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "reel.created", shop.ID, "reel", r.ID, opts.ActorID, events.EventPayload{
		"bucket": bucket,
	}); err != nil {
		return domain.Reel{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Reel{}, err
	}
	return r, nil
}

// AddReport files a viewer report against a live broadcast. Reports
// start OPEN and only count toward sanctions once validated.
func (e Engine) AddReport(ctx context.Context, streamID, reason, reporterID string) (domain.Report, error) {
	nowStr := e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStream(ctx, tx, streamID)
	if err != nil {
		return domain.Report{}, err
	}
	if s.Status != domain.StreamLive {
		return domain.Report{}, fmt.Errorf("stream %s is not live", streamID)
	}
	r := domain.Report{
		ID:        uuid.NewString(),
		StreamID:  s.ID,
		Reason:    reason,
		Status:    domain.ReportOpen,
		CreatedAt: nowStr,
	}
	if err := e.Repo.InsertReport(ctx, tx, r); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "report.filed", s.ShopID, "report", r.ID, reporterID, events.EventPayload{
		"stream_id": s.ID,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}

func (e Engine) ValidateReport(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	return e.reviewReport(ctx, reportID, domain.ReportValidated, actorID)
}

func (e Engine) RejectReport(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	return e.reviewReport(ctx, reportID, domain.ReportRejected, actorID)
}

func (e Engine) reviewReport(ctx context.Context, reportID, status, actorID string) (domain.Report, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	r, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	ok, err := e.Repo.ReviewOpenReport(ctx, tx, reportID, status)
	if err != nil {
		return domain.Report{}, err
	}
	if !ok {
		return domain.Report{}, fmt.Errorf("report %s already reviewed", reportID)
	}
	r.Status = status
	if err := e.Events.Audit(ctx, tx, "report", r.ID, "report."+strings.ToLower(status), ActorAdmin, actorID, nil); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}
