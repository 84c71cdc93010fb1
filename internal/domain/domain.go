package domain

// Shop statuses.
const (
	ShopActive          = "ACTIVE"
	ShopAgendaSuspended = "AGENDA_SUSPENDED"
	ShopBanned          = "BANNED"
)

// Stream statuses.
const (
	StreamUpcoming       = "UPCOMING"
	StreamLive           = "LIVE"
	StreamPendingReprog  = "PENDING_REPROGRAMMATION"
	StreamMissed         = "MISSED"
	StreamFinished       = "FINISHED"
	StreamCancelled      = "CANCELLED"
	StreamBanned         = "BANNED"
)

// Report statuses.
const (
	ReportOpen      = "OPEN"
	ReportValidated = "VALIDATED"
	ReportRejected  = "REJECTED"
)

// Quota transaction fields.
const (
	ResourceLive = "LIVE"
	ResourceReel = "REEL"

	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// Ledger reasons written by the engine.
const (
	ReasonSchedule   = "STREAM_SCHEDULE"
	ReasonReel       = "REEL_CREATE"
	ReasonPurchase   = "EXTRA_PURCHASE"
	ReasonAdminGrant = "ADMIN_GRANT"
	ReasonMissedBurn = "MISSED_BURN"
)

type Shop struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Plan                  string  `json:"plan"`
	Status                string  `json:"status" enum:"ACTIVE,AGENDA_SUSPENDED,BANNED"`
	AgendaSuspendedUntil  *string `json:"agenda_suspended_until,omitempty" format:"date-time"`
	AgendaSuspendedReason *string `json:"agenda_suspended_reason,omitempty"`
	StreamQuota           int     `json:"stream_quota"`
	ReelQuota             int     `json:"reel_quota"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

// QuotaWallet is the per-shop ledger of consumable scheduling rights.
// The weekly/daily counters are a cache over the stream and reel tables;
// snapshots recompute them from those tables when windows roll.
type QuotaWallet struct {
	ShopID              string `json:"shop_id"`
	WeeklyLiveBaseLimit int    `json:"weekly_live_base_limit"`
	WeeklyLiveUsed      int    `json:"weekly_live_used"`
	WeeklyLiveWeekKey   string `json:"weekly_live_week_key"`
	LiveExtraBalance    int    `json:"live_extra_balance"`
	ReelDailyLimit      int    `json:"reel_daily_limit"`
	ReelDailyUsed       int    `json:"reel_daily_used"`
	ReelDailyDateKey    string `json:"reel_daily_date_key"`
	ReelExtraBalance    int    `json:"reel_extra_balance"`
	CreatedAt           string `json:"created_at" format:"date-time"`
	UpdatedAt           string `json:"updated_at" format:"date-time"`
}

// LiveBuckets returns the live bucket pair of the wallet.
func (w QuotaWallet) LiveBuckets() Buckets {
	return Buckets{Limit: w.WeeklyLiveBaseLimit, Used: w.WeeklyLiveUsed, Extra: w.LiveExtraBalance}
}

// ReelBuckets returns the reel bucket pair of the wallet.
func (w QuotaWallet) ReelBuckets() Buckets {
	return Buckets{Limit: w.ReelDailyLimit, Used: w.ReelDailyUsed, Extra: w.ReelExtraBalance}
}

// Bucket identifiers reported by Consume.
const (
	BucketBase  = "BASE"
	BucketExtra = "EXTRA"
)

// Buckets is the two-bucket balance of one resource: a windowed base
// allowance plus a purchased extra balance that survives window resets.
// Consumption order is base first, then extra.
type Buckets struct {
	Limit int
	Used  int
	Extra int
}

func (b Buckets) Remaining() int {
	if r := b.Limit - b.Used; r > 0 {
		return r
	}
	return 0
}

// Total is the projected quota mirrored onto the shop record.
func (b Buckets) Total() int {
	return b.Remaining() + b.Extra
}

// Consume spends one unit and reports which bucket served it.
func (b *Buckets) Consume() (string, bool) {
	if b.Remaining() > 0 {
		b.Used++
		return BucketBase, true
	}
	if b.Extra > 0 {
		b.Extra--
		return BucketExtra, true
	}
	return "", false
}

// Credit adds to the extra balance.
func (b *Buckets) Credit(n int) {
	if n > 0 {
		b.Extra += n
	}
}

// Clamp forces 0 <= used <= limit and extra >= 0, reporting whether any
// stored value was out of range.
func (b *Buckets) Clamp() bool {
	changed := false
	if b.Limit < 0 {
		b.Limit = 0
		changed = true
	}
	if b.Used < 0 {
		b.Used = 0
		changed = true
	}
	if b.Used > b.Limit {
		b.Used = b.Limit
		changed = true
	}
	if b.Extra < 0 {
		b.Extra = 0
		changed = true
	}
	return changed
}

type QuotaTransaction struct {
	ID        string  `json:"id"`
	ShopID    string  `json:"shop_id"`
	Resource  string  `json:"resource" enum:"LIVE,REEL"`
	Direction string  `json:"direction" enum:"CREDIT,DEBIT"`
	Amount    int     `json:"amount"`
	Reason    string  `json:"reason"`
	RefType   *string `json:"ref_type,omitempty"`
	RefID     *string `json:"ref_id,omitempty"`
	ActorType string  `json:"actor_type"`
	ActorID   string  `json:"actor_id"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Stream struct {
	ID                   string  `json:"id"`
	ShopID               string  `json:"shop_id"`
	Title                string  `json:"title"`
	Status               string  `json:"status" enum:"UPCOMING,LIVE,PENDING_REPROGRAMMATION,MISSED,FINISHED,CANCELLED,BANNED"`
	ScheduledAt          string  `json:"scheduled_at" format:"date-time"`
	OriginalScheduledAt  string  `json:"original_scheduled_at" format:"date-time"`
	StartTime            *string `json:"start_time,omitempty" format:"date-time"`
	EndTime              *string `json:"end_time,omitempty" format:"date-time"`
	Hidden               bool    `json:"hidden"`
	ReprogramReason      *string `json:"reprogram_reason,omitempty"`
	ReprogramBatchID     *string `json:"reprogram_batch_id,omitempty"`
	PendingReprogramNote *string `json:"pending_reprogram_note,omitempty"`
	StatusChangedAt      string  `json:"status_changed_at" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type Reel struct {
	ID        string `json:"id"`
	ShopID    string `json:"shop_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Report struct {
	ID        string `json:"id"`
	StreamID  string `json:"stream_id"`
	Status    string `json:"status" enum:"OPEN,VALIDATED,REJECTED"`
	Reason    string `json:"reason,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AgendaSuspension struct {
	ID               string  `json:"id"`
	ShopID           string  `json:"shop_id"`
	StartAt          string  `json:"start_at" format:"date-time"`
	EndAt            string  `json:"end_at" format:"date-time"`
	Reason           string  `json:"reason"`
	CreatedByAdminID *string `json:"created_by_admin_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ShopID     string `json:"shop_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Action     string `json:"action"`
	ActorType  string `json:"actor_type"`
	ActorID    string `json:"actor_id"`
	DetailJSON string `json:"detail_json,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// QuotaSnapshot is the reconciled view of one resource window.
type QuotaSnapshot struct {
	ShopID        string `json:"shop_id"`
	Resource      string `json:"resource" enum:"LIVE,REEL"`
	WindowKey     string `json:"window_key"`
	WindowCount   int    `json:"window_count"`
	BaseLimit     int    `json:"base_limit"`
	BaseUsed      int    `json:"base_used"`
	BaseRemaining int    `json:"base_remaining"`
	ExtraBalance  int    `json:"extra_balance"`
}

// Sanction run outcomes per candidate stream.
const (
	OutcomeSanctioned     = "sanctioned"
	OutcomeSkipped        = "skipped"
	OutcomePendingExpired = "pending_expired"
	OutcomeError          = "error"
)

type SanctionDetail struct {
	StreamID     string `json:"stream_id"`
	ShopID       string `json:"shop_id"`
	Outcome      string `json:"outcome"`
	Reports      int    `json:"reports,omitempty"`
	Reprogrammed int    `json:"reprogrammed,omitempty"`
	Pending      int    `json:"pending,omitempty"`
	Error        string `json:"error,omitempty"`
}

// SanctionsReport is the aggregate result of one engine run.
type SanctionsReport struct {
	RunID          string           `json:"run_id"`
	RanAt          string           `json:"ran_at" format:"date-time"`
	Candidates     int              `json:"candidates"`
	Sanctioned     int              `json:"sanctioned"`
	Skipped        int              `json:"skipped"`
	Reprogrammed   int              `json:"reprogrammed"`
	Pending        int              `json:"pending"`
	PendingExpired int              `json:"pending_expired"`
	Details        []SanctionDetail `json:"details"`
}

// NonTerminalStreamStatuses hold a slot in the weekly window and can collide
// on a calendar day.
var NonTerminalStreamStatuses = []string{StreamUpcoming, StreamLive, StreamPendingReprog}

// IsTerminalStreamStatus reports statuses the sanctions engine never
// re-evaluates.
func IsTerminalStreamStatus(status string) bool {
	switch status {
	case StreamMissed, StreamFinished, StreamCancelled, StreamBanned:
		return true
	}
	return false
}
