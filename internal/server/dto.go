package server

import (
	"vitrina/internal/domain"
)

// Request payloads

type CreateShopRequest struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	Plan              string `json:"plan,omitempty"`
	LegacyStreamQuota *int   `json:"legacy_stream_quota,omitempty"`
	LegacyReelQuota   *int   `json:"legacy_reel_quota,omitempty"`
}

type SetPlanRequest struct {
	Plan string `json:"plan"`
}

type CreditRequest struct {
	Resource string `json:"resource" enum:"LIVE,REEL"`
	Amount   int    `json:"amount"`
	Reason   string `json:"reason,omitempty" enum:"EXTRA_PURCHASE,ADMIN_GRANT"`
}

type ScheduleStreamRequest struct {
	ID          string `json:"id,omitempty"`
	ShopID      string `json:"shop_id,omitempty"`
	Title       string `json:"title"`
	ScheduledAt string `json:"scheduled_at" format:"date-time"`
}

type ResolvePendingRequest struct {
	ScheduledAt string `json:"scheduled_at" format:"date-time"`
}

type CreateReelRequest struct {
	ID     string `json:"id,omitempty"`
	ShopID string `json:"shop_id,omitempty"`
	Title  string `json:"title"`
}

type CreateReportRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RunSanctionsRequest struct {
	AsOf string `json:"as_of,omitempty" format:"date-time"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Responses

type ShopResponse struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Plan                  string  `json:"plan"`
	Status                string  `json:"status"`
	AgendaSuspendedUntil  *string `json:"agenda_suspended_until,omitempty"`
	AgendaSuspendedReason *string `json:"agenda_suspended_reason,omitempty"`
	StreamQuota           int     `json:"stream_quota"`
	ReelQuota             int     `json:"reel_quota"`
	CreatedAt             string  `json:"created_at"`
}

func shopResponse(s domain.Shop) ShopResponse {
	return ShopResponse{
		ID:                    s.ID,
		Name:                  s.Name,
		Plan:                  s.Plan,
		Status:                s.Status,
		AgendaSuspendedUntil:  s.AgendaSuspendedUntil,
		AgendaSuspendedReason: s.AgendaSuspendedReason,
		StreamQuota:           s.StreamQuota,
		ReelQuota:             s.ReelQuota,
		CreatedAt:             s.CreatedAt,
	}
}

func mapShops(items []domain.Shop) []ShopResponse {
	res := make([]ShopResponse, 0, len(items))
	for _, s := range items {
		res = append(res, shopResponse(s))
	}
	return res
}

type QuotaResponse struct {
	Live domain.QuotaSnapshot `json:"live"`
	Reel domain.QuotaSnapshot `json:"reel"`
}

type StreamResponse struct {
	ID                   string  `json:"id"`
	ShopID               string  `json:"shop_id"`
	Title                string  `json:"title"`
	Status               string  `json:"status"`
	ScheduledAt          string  `json:"scheduled_at"`
	OriginalScheduledAt  string  `json:"original_scheduled_at"`
	StartTime            *string `json:"start_time,omitempty"`
	EndTime              *string `json:"end_time,omitempty"`
	Hidden               bool    `json:"hidden"`
	ReprogramReason      *string `json:"reprogram_reason,omitempty"`
	ReprogramBatchID     *string `json:"reprogram_batch_id,omitempty"`
	PendingReprogramNote *string `json:"pending_reprogram_note,omitempty"`
	StatusChangedAt      string  `json:"status_changed_at"`
	CreatedAt            string  `json:"created_at"`
}

func streamResponse(s domain.Stream) StreamResponse {
	return StreamResponse{
		ID:                   s.ID,
		ShopID:               s.ShopID,
		Title:                s.Title,
		Status:               s.Status,
		ScheduledAt:          s.ScheduledAt,
		OriginalScheduledAt:  s.OriginalScheduledAt,
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Hidden:               s.Hidden,
		ReprogramReason:      s.ReprogramReason,
		ReprogramBatchID:     s.ReprogramBatchID,
		PendingReprogramNote: s.PendingReprogramNote,
		StatusChangedAt:      s.StatusChangedAt,
		CreatedAt:            s.CreatedAt,
	}
}

func mapStreams(items []domain.Stream) []StreamResponse {
	res := make([]StreamResponse, 0, len(items))
	for _, s := range items {
		res = append(res, streamResponse(s))
	}
	return res
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation responses.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		Role:      k.Role,
		CreatedAt: k.CreatedAt,
	}
}
