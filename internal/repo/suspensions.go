package repo

import (
	"context"
	"database/sql"

	"vitrina/internal/domain"
)

const suspensionColumns = `id,shop_id,start_at,end_at,reason,created_by_admin_id,created_at`

func scanSuspension(row *sql.Row) (domain.AgendaSuspension, error) {
	var s domain.AgendaSuspension
	var adminID sql.NullString
	err := row.Scan(&s.ID, &s.ShopID, &s.StartAt, &s.EndAt, &s.Reason, &adminID, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if adminID.Valid {
		s.CreatedByAdminID = &adminID.String
	}
	return s, err
}

func (r Repo) InsertSuspension(ctx context.Context, tx *sql.Tx, s domain.AgendaSuspension) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agenda_suspensions(`+suspensionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ShopID, s.StartAt, s.EndAt, s.Reason, nullableStringPtr(s.CreatedByAdminID), s.CreatedAt)
	return err
}

// ActiveSuspension returns the latest-ending suspension of a shop whose end
// is still in the future relative to asOf. The engine reuses it instead of
// stacking duplicates.
func (r Repo) ActiveSuspension(ctx context.Context, tx *sql.Tx, shopID, asOf string) (domain.AgendaSuspension, error) {
	return scanSuspension(r.q(tx).QueryRowContext(ctx,
		`SELECT `+suspensionColumns+` FROM agenda_suspensions WHERE shop_id=? AND end_at > ? ORDER BY end_at DESC LIMIT 1`,
		shopID, asOf))
}

func (r Repo) ListSuspensions(ctx context.Context, shopID string) ([]domain.AgendaSuspension, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+suspensionColumns+` FROM agenda_suspensions WHERE shop_id=? ORDER BY start_at DESC, id DESC`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgendaSuspension
	for rows.Next() {
		var s domain.AgendaSuspension
		var adminID sql.NullString
		if err := rows.Scan(&s.ID, &s.ShopID, &s.StartAt, &s.EndAt, &s.Reason, &adminID, &s.CreatedAt); err != nil {
			return nil, err
		}
		if adminID.Valid {
			s.CreatedByAdminID = &adminID.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ClaimSanction acquires the per-stream sanction claim. The primary key on
// stream_id makes the insert conditional: false means some earlier run (or
// a concurrent one) already claimed this stream and its side effects must
// not be repeated.
func (r Repo) ClaimSanction(ctx context.Context, tx *sql.Tx, streamID, runID, claimedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`INSERT OR IGNORE INTO sanction_claims(stream_id,run_id,claimed_at) VALUES (?,?,?)`,
		streamID, runID, claimedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
