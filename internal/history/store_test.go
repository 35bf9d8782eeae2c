package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/refashion-gw/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1", Prompt: "a red dress", Model: "fal-ai/kling"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusProcessing || rec.Kind != KindVideo {
		t.Fatalf("unexpected record: %#v", rec)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "u1" || got.Prompt != "a red dress" || got.Model != "fal-ai/kling" {
		t.Fatalf("unexpected stored record: %#v", got)
	}
	if got.FalRequestID != nil || got.VideoURL != nil || got.CompletedAt != nil {
		t.Fatalf("expected empty optional fields, got %#v", got)
	}
}

func TestStoreGetMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestStoreAttachAndFindByRequestID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.AttachRequest(ctx, rec.ID, "req-1"); err != nil {
		t.Fatalf("AttachRequest: %v", err)
	}

	got, err := s.FindByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindByRequestID: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("found %s, want %s", got.ID, rec.ID)
	}
	if _, err := s.FindByRequestID(ctx, "req-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown request err = %v, want ErrNotFound", err)
	}
	if err := s.AttachRequest(ctx, "missing", "req-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("attach to missing err = %v, want ErrNotFound", err)
	}
}

func TestStoreCompleteIsAppliedOnce(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	seed := int64(42)
	applied, err := s.Complete(ctx, rec.ID, Result{VideoURL: "https://cdn/v.mp4", Seed: &seed})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !applied {
		t.Fatalf("first Complete not applied")
	}

	applied, err = s.Complete(ctx, rec.ID, Result{VideoURL: "https://cdn/other.mp4"})
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if applied {
		t.Fatalf("second Complete applied, want no-op")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.VideoURL == nil || *got.VideoURL != "https://cdn/v.mp4" {
		t.Fatalf("unexpected completed record: %#v", got)
	}
	if got.Seed == nil || *got.Seed != 42 || got.CompletedAt == nil {
		t.Fatalf("seed/completed_at not stored: %#v", got)
	}
}

func TestStoreFailAfterCompleteIsNoop(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1", Kind: KindImage})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	img := "https://cdn/a.png"
	if _, err := s.Complete(ctx, rec.ID, Result{GeneratedImageURLs: []*string{&img, nil}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	applied, err := s.Fail(ctx, rec.ID, "generation timed out")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if applied {
		t.Fatalf("Fail on completed record applied")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.Error != nil {
		t.Fatalf("record regressed: %#v", got)
	}
	if len(got.GeneratedImageURLs) != 2 || got.GeneratedImageURLs[0] == nil || *got.GeneratedImageURLs[0] != img || got.GeneratedImageURLs[1] != nil {
		t.Fatalf("unexpected image urls: %#v", got.GeneratedImageURLs)
	}
}

func TestStoreFailMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	if _, err := s.Fail(context.Background(), "missing", "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Fail missing err = %v, want ErrNotFound", err)
	}
}

func TestStoreListStale(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	old, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create old: %v", err)
	}
	done, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create done: %v", err)
	}
	if _, err := s.Fail(ctx, done.ID, "x"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	s.now = func() time.Time { return base.Add(10 * time.Minute) }
	if _, err := s.Create(ctx, NewRecord{UserID: "u1"}); err != nil {
		t.Fatalf("Create fresh: %v", err)
	}

	stale, err := s.ListStale(ctx, base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("stale = %#v, want only %s", stale, old.ID)
	}
}

func TestStoreSetLocalVideoURL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.SetLocalVideoURL(ctx, rec.ID, "/media/v.mp4"); err != nil {
		t.Fatalf("SetLocalVideoURL: %v", err)
	}
	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LocalVideoURL == nil || *got.LocalVideoURL != "/media/v.mp4" {
		t.Fatalf("local video url not stored: %#v", got)
	}
}

func TestStoreRecordReceiptDeduplicates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	fp := Fingerprint("req-1", []byte(`{"status":"OK"}`))
	first, err := s.RecordReceipt(ctx, Receipt{Fingerprint: fp, RequestID: "req-1", Outcome: "ok"})
	if err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}
	second, err := s.RecordReceipt(ctx, Receipt{Fingerprint: fp, RequestID: "req-1", Outcome: "ok"})
	if err != nil {
		t.Fatalf("RecordReceipt again: %v", err)
	}
	if !first || second {
		t.Fatalf("first=%v second=%v, want true/false", first, second)
	}

	if err := s.ForgetReceipt(ctx, fp); err != nil {
		t.Fatalf("ForgetReceipt: %v", err)
	}
	third, err := s.RecordReceipt(ctx, Receipt{Fingerprint: fp, RequestID: "req-1", Outcome: "ok"})
	if err != nil {
		t.Fatalf("RecordReceipt after forget: %v", err)
	}
	if !third {
		t.Fatalf("receipt not recorded again after forget")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := Fingerprint("req-1", []byte("body"))
	if a != Fingerprint("req-1", []byte("body")) {
		t.Fatalf("fingerprint not deterministic")
	}
	if a == Fingerprint("req-1", []byte("bodY")) || a == Fingerprint("req-2", []byte("body")) {
		t.Fatalf("fingerprint collision on different input")
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestStoreFailTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// The odd prefix puts maxErrorBytes in the middle of a two-byte rune.
	msg := "x" + strings.Repeat("é", maxErrorBytes)
	if _, err := s.Fail(ctx, rec.ID, msg); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Error == nil {
		t.Fatal("error not stored")
	}
	if !utf8.ValidString(*got.Error) {
		t.Fatalf("stored error is not valid UTF-8")
	}
	if n := len(*got.Error); n > maxErrorBytes || n < maxErrorBytes-utf8.UTFMax {
		t.Fatalf("stored error length = %d, want just under %d", n, maxErrorBytes)
	}
}

func TestStoreHasUnattached(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	rec, err := s.Create(ctx, NewRecord{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	pending, err := s.HasUnattached(ctx, base.Add(-time.Minute))
	if err != nil || !pending {
		t.Fatalf("HasUnattached = %v, %v; want true", pending, err)
	}
	pending, err = s.HasUnattached(ctx, base.Add(time.Minute))
	if err != nil || pending {
		t.Fatalf("HasUnattached after window = %v, %v; want false", pending, err)
	}

	if err := s.AttachRequest(ctx, rec.ID, "req-1"); err != nil {
		t.Fatalf("AttachRequest: %v", err)
	}
	pending, err = s.HasUnattached(ctx, base.Add(-time.Minute))
	if err != nil || pending {
		t.Fatalf("HasUnattached after attach = %v, %v; want false", pending, err)
	}
}
