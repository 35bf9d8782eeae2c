package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const maxErrorBytes = 4 * 1024

const recordColumns = `id, user_id, kind, status, prompt, model, fal_request_id, video_url, local_video_url,
  generated_image_urls, seed, error, created_at, updated_at, completed_at`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create inserts a new record in the processing state.
func (s *Store) Create(ctx context.Context, req NewRecord) (*Record, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is empty")
	}
	if req.Kind == "" {
		req.Kind = KindVideo
	}

	now := s.now().UTC()
	rec := &Record{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Status:    StatusProcessing,
		Prompt:    req.Prompt,
		Model:     req.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	nowS := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history(id, user_id, kind, status, prompt, model, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.UserID, rec.Kind, rec.Status, nullString(rec.Prompt), nullString(rec.Model), nowS, nowS)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM history WHERE id = ?;`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", id, err)
	}
	return rec, nil
}

// FindByRequestID resolves the record a provider request id was submitted for.
func (s *Store) FindByRequestID(ctx context.Context, requestID string) (*Record, error) {
	if requestID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM history WHERE fal_request_id = ?;`, requestID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find history by request %s: %w", requestID, err)
	}
	return rec, nil
}

func (s *Store) AttachRequest(ctx context.Context, id, requestID string) error {
	if requestID == "" {
		return fmt.Errorf("request id is empty")
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE history SET fal_request_id = ?, updated_at = ? WHERE id = ?;
`, requestID, s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("attach request to %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Complete applies processing -> completed. It returns false without error when
// the record is already terminal, so repeated deliveries are no-ops.
func (s *Store) Complete(ctx context.Context, id string, result Result) (bool, error) {
	var images any
	if len(result.GeneratedImageURLs) > 0 {
		b, err := json.Marshal(result.GeneratedImageURLs)
		if err != nil {
			return false, fmt.Errorf("marshal image urls: %w", err)
		}
		images = string(b)
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE history
SET status = ?, video_url = ?, generated_image_urls = ?, seed = ?, error = NULL, updated_at = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, StatusCompleted, nullString(result.VideoURL), images, result.Seed, now, now, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete history %s: %w", id, err)
	}
	return s.transitioned(ctx, res, id)
}

// Fail applies processing -> failed with the same idempotency rule as Complete.
func (s *Store) Fail(ctx context.Context, id, message string) (bool, error) {
	message = truncateUTF8(message, maxErrorBytes)
	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE history
SET status = ?, error = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, StatusFailed, message, now, now, id, StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("fail history %s: %w", id, err)
	}
	return s.transitioned(ctx, res, id)
}

func (s *Store) SetLocalVideoURL(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE history SET local_video_url = ?, updated_at = ? WHERE id = ?;
`, url, s.now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("set local video url for %s: %w", id, err)
	}
	return requireRow(res, id)
}

// ListStale returns processing records created before cutoff, oldest first.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM history
WHERE status = ? AND created_at < ?
ORDER BY created_at ASC, rowid ASC
LIMIT ?;
`, StatusProcessing, cutoff.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale history: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasUnattached reports whether a processing record created at or after since
// is still waiting for its provider request id.
func (s *Store) HasUnattached(ctx context.Context, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM history
WHERE status = ? AND fal_request_id IS NULL AND created_at >= ?;
`, StatusProcessing, since.UTC().Format(time.RFC3339Nano)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unattached history: %w", err)
	}
	return n > 0, nil
}

// RecordReceipt stores a webhook delivery. It returns false if the same
// fingerprint was already recorded.
func (s *Store) RecordReceipt(ctx context.Context, r Receipt) (bool, error) {
	if r.Fingerprint == "" {
		return false, fmt.Errorf("fingerprint is empty")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO webhook_receipts(fingerprint, request_id, history_id, outcome, received_at)
VALUES(?, ?, ?, ?, ?);
`, r.Fingerprint, r.RequestID, nullString(r.HistoryID), r.Outcome, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("record webhook receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record webhook receipt: %w", err)
	}
	return n == 1, nil
}

// ForgetReceipt drops a recorded delivery so a redelivery is processed again.
func (s *Store) ForgetReceipt(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_receipts WHERE fingerprint = ?;`, fingerprint); err != nil {
		return fmt.Errorf("forget webhook receipt: %w", err)
	}
	return nil
}

// Fingerprint is the BLAKE3 digest identifying a webhook delivery.
func Fingerprint(requestID string, body []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte(requestID))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// transitioned distinguishes "already terminal" (false, nil) from "missing" (ErrNotFound).
func (s *Store) transitioned(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r             Record
		kindS         string
		statusS       string
		prompt        sql.NullString
		model         sql.NullString
		requestID     sql.NullString
		videoURL      sql.NullString
		localVideoURL sql.NullString
		images        sql.NullString
		seed          sql.NullInt64
		errMsg        sql.NullString
		createdAtS    string
		updatedAtS    string
		completedAtS  sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.UserID, &kindS, &statusS, &prompt, &model, &requestID, &videoURL, &localVideoURL,
		&images, &seed, &errMsg, &createdAtS, &updatedAtS, &completedAtS,
	); err != nil {
		return nil, err
	}

	r.Kind = Kind(kindS)
	r.Status = Status(statusS)
	r.Prompt = prompt.String
	r.Model = model.String
	r.FalRequestID = ptrIfValid(requestID)
	r.VideoURL = ptrIfValid(videoURL)
	r.LocalVideoURL = ptrIfValid(localVideoURL)
	r.Error = ptrIfValid(errMsg)
	if seed.Valid {
		v := seed.Int64
		r.Seed = &v
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &r.GeneratedImageURLs); err != nil {
			return nil, fmt.Errorf("decode generated_image_urls: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		r.UpdatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			r.CompletedAt = &t
		}
	}
	return &r, nil
}

func ptrIfValid(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
