package repo

import (
	"context"
	"database/sql"
	"strings"

	"vitrina/internal/domain"
)

const streamColumns = `id,shop_id,title,status,scheduled_at,original_scheduled_at,start_time,end_time,hidden,reprogram_reason,reprogram_batch_id,pending_reprogram_note,status_changed_at,created_at`

func scanStreamRow(scan func(dest ...any) error) (domain.Stream, error) {
	var s domain.Stream
	var startTime, endTime, reason, batchID, note sql.NullString
	var hidden int
	err := scan(&s.ID, &s.ShopID, &s.Title, &s.Status, &s.ScheduledAt, &s.OriginalScheduledAt,
		&startTime, &endTime, &hidden, &reason, &batchID, &note, &s.StatusChangedAt, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	s.Hidden = hidden != 0
	if startTime.Valid {
		s.StartTime = &startTime.String
	}
	if endTime.Valid {
		s.EndTime = &endTime.String
	}
	if reason.Valid {
		s.ReprogramReason = &reason.String
	}
	if batchID.Valid {
		s.ReprogramBatchID = &batchID.String
	}
	if note.Valid {
		s.PendingReprogramNote = &note.String
	}
	return s, nil
}

func (r Repo) InsertStream(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	hidden := 0
	if s.Hidden {
		hidden = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO streams(`+streamColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ShopID, s.Title, s.Status, s.ScheduledAt, s.OriginalScheduledAt,
		nullableStringPtr(s.StartTime), nullableStringPtr(s.EndTime), hidden,
		nullableStringPtr(s.ReprogramReason), nullableStringPtr(s.ReprogramBatchID), nullableStringPtr(s.PendingReprogramNote),
		s.StatusChangedAt, s.CreatedAt)
	return err
}

func (r Repo) GetStream(ctx context.Context, tx *sql.Tx, id string) (domain.Stream, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE id=?`, id)
	s, err := scanStreamRow(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// UpdateStream rewrites the mutable stream columns.
func (r Repo) UpdateStream(ctx context.Context, tx *sql.Tx, s domain.Stream) error {
	hidden := 0
	if s.Hidden {
		hidden = 1
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE streams SET
title=?, status=?, scheduled_at=?, original_scheduled_at=?, start_time=?, end_time=?, hidden=?,
reprogram_reason=?, reprogram_batch_id=?, pending_reprogram_note=?, status_changed_at=?
WHERE id=?`,
		s.Title, s.Status, s.ScheduledAt, s.OriginalScheduledAt,
		nullableStringPtr(s.StartTime), nullableStringPtr(s.EndTime), hidden,
		nullableStringPtr(s.ReprogramReason), nullableStringPtr(s.ReprogramBatchID), nullableStringPtr(s.PendingReprogramNote),
		s.StatusChangedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type StreamFilters struct {
	ShopID string
	Status string
	Limit  int
}

func (r Repo) ListStreams(ctx context.Context, f StreamFilters) ([]domain.Stream, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ShopID != "" {
		clauses = append(clauses, "shop_id=?")
		args = append(args, f.ShopID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + streamColumns + ` FROM streams WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY scheduled_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

// ListStreamsByStatus returns streams in a status ordered by schedule,
// for sanctions-engine sweeps.
func (r Repo) ListStreamsByStatus(ctx context.Context, status string) ([]domain.Stream, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+streamColumns+` FROM streams WHERE status=? ORDER BY scheduled_at ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

// ListShopStreamsBetween returns non-terminal streams of a shop scheduled in
// [from, to), optionally excluding one stream.
func (r Repo) ListShopStreamsBetween(ctx context.Context, tx *sql.Tx, shopID, from, to, excludeID string) ([]domain.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams
WHERE shop_id=? AND status IN (` + nonTerminalPlaceholders + `) AND scheduled_at >= ? AND scheduled_at < ?`
	args := []any{shopID}
	args = append(args, nonTerminalArgs()...)
	args = append(args, from, to)
	if excludeID != "" {
		query += ` AND id != ?`
		args = append(args, excludeID)
	}
	query += ` ORDER BY scheduled_at ASC, id ASC`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectStreams(rows)
}

// CountShopStreamsInWindow is the source-of-truth count behind the weekly
// wallet counter: non-terminal streams scheduled in [from, to).
func (r Repo) CountShopStreamsInWindow(ctx context.Context, tx *sql.Tx, shopID, from, to string) (int, error) {
	query := `SELECT COUNT(*) FROM streams
WHERE shop_id=? AND status IN (` + nonTerminalPlaceholders + `) AND scheduled_at >= ? AND scheduled_at < ?`
	args := []any{shopID}
	args = append(args, nonTerminalArgs()...)
	args = append(args, from, to)
	var n int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// ShopHasStreamOnDay reports a same-calendar-day collision with another
// non-terminal stream.
func (r Repo) ShopHasStreamOnDay(ctx context.Context, tx *sql.Tx, shopID, dayStart, dayEnd, excludeID string) (bool, error) {
	query := `SELECT 1 FROM streams
WHERE shop_id=? AND status IN (` + nonTerminalPlaceholders + `) AND scheduled_at >= ? AND scheduled_at < ?`
	args := []any{shopID}
	args = append(args, nonTerminalArgs()...)
	args = append(args, dayStart, dayEnd)
	if excludeID != "" {
		query += ` AND id != ?`
		args = append(args, excludeID)
	}
	query += ` LIMIT 1`
	var n int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

const nonTerminalPlaceholders = `?,?,?`

func nonTerminalArgs() []any {
	args := make([]any, 0, len(domain.NonTerminalStreamStatuses))
	for _, s := range domain.NonTerminalStreamStatuses {
		args = append(args, s)
	}
	return args
}

func collectStreams(rows *sql.Rows) ([]domain.Stream, error) {
	var res []domain.Stream
	for rows.Next() {
		s, err := scanStreamRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- reels ---

func (r Repo) InsertReel(ctx context.Context, tx *sql.Tx, reel domain.Reel) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reels(id,shop_id,title,created_at) VALUES (?,?,?,?)`,
		reel.ID, reel.ShopID, reel.Title, reel.CreatedAt)
	return err
}

// CountShopReelsBetween is the source-of-truth count behind the daily reel
// counter: reels created in [from, to).
func (r Repo) CountShopReelsBetween(ctx context.Context, tx *sql.Tx, shopID, from, to string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reels WHERE shop_id=? AND created_at >= ? AND created_at < ?`,
		shopID, from, to).Scan(&n)
	return n, err
}

func (r Repo) ListReels(ctx context.Context, shopID string, limit int) ([]domain.Reel, error) {
	query := `SELECT id,shop_id,title,created_at FROM reels WHERE shop_id=? ORDER BY created_at DESC, id DESC`
	args := []any{shopID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reel
	for rows.Next() {
		var reel domain.Reel
		if err := rows.Scan(&reel.ID, &reel.ShopID, &reel.Title, &reel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, reel)
	}
	return res, rows.Err()
}

// --- reports ---

func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, report domain.Report) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reports(id,stream_id,status,reason,created_at) VALUES (?,?,?,?,?)`,
		report.ID, report.StreamID, report.Status, nullable(report.Reason), report.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	var report domain.Report
	var reason sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,stream_id,status,reason,created_at FROM reports WHERE id=?`, id).
		Scan(&report.ID, &report.StreamID, &report.Status, &reason, &report.CreatedAt)
	if err == sql.ErrNoRows {
		return report, ErrNotFound
	}
	if reason.Valid {
		report.Reason = reason.String
	}
	return report, err
}

// ReviewOpenReport moves an OPEN report into its review status. The
// status guard keeps two racing reviews from both succeeding; zero
// rows affected means the report was no longer OPEN.
func (r Repo) ReviewOpenReport(ctx context.Context, tx *sql.Tx, id, status string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reports SET status=? WHERE id=? AND status=?`, status, id, domain.ReportOpen)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountValidatedReportsSince counts VALIDATED reports created at or after
// the grace cutoff. Earlier reports never count toward sanctioning.
func (r Repo) CountValidatedReportsSince(ctx context.Context, tx *sql.Tx, streamID, cutoff string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE stream_id=? AND status=? AND created_at >= ?`,
		streamID, domain.ReportValidated, cutoff).Scan(&n)
	return n, err
}

func (r Repo) ListReports(ctx context.Context, streamID string) ([]domain.Report, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,stream_id,status,reason,created_at FROM reports WHERE stream_id=? ORDER BY created_at ASC, id ASC`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Report
	for rows.Next() {
		var report domain.Report
		var reason sql.NullString
		if err := rows.Scan(&report.ID, &report.StreamID, &report.Status, &reason, &report.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			report.Reason = reason.String
		}
		res = append(res, report)
	}
	return res, rows.Err()
}
