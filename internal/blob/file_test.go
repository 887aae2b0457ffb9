package blob

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestChunkAndSummaryKeys(t *testing.T) {
	if got := ChunkKey("abc", 3); got != "sessions/abc/chunks/3" {
		t.Fatalf("unexpected chunk key %q", got)
	}
	if got := SummaryKey("abc"); got != "summaries/abc/consultation-summary.txt" {
		t.Fatalf("unexpected summary key %q", got)
	}
}

func TestFileStorePutGet(t *testing.T) {
	store := NewFileStore(t.TempDir(), "http://localhost:8080", []byte("secret"))
	ctx := context.Background()

	if err := store.Put(ctx, "sessions/s1/chunks/1", []byte("first"), "audio/webm"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Put(ctx, "sessions/s1/chunks/1", []byte("second"), "audio/webm"); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	got, err := store.Get(ctx, "sessions/s1/chunks/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("expected second, got %q", got)
	}

	if _, err := store.Get(ctx, "sessions/s1/chunks/2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	store := NewFileStore(t.TempDir(), "", nil)
	for _, key := range []string{"", "../etc/passwd", "/abs/path", "a/../../b"} {
		if err := store.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("expected key %q to be rejected", key)
		}
	}
}

func TestFileStoreSignedURL(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := NewFileStore(t.TempDir(), "http://localhost:8080/", []byte("secret"))
	store.now = func() time.Time { return now }

	raw, err := store.SignedURL(context.Background(), SummaryKey("s1"), time.Hour)
	if err != nil {
		t.Fatalf("SignedURL failed: %v", err)
	}
	if !strings.HasPrefix(raw, "http://localhost:8080/blobs/summaries/s1/consultation-summary.txt?") {
		t.Fatalf("unexpected url %q", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	expires, sig := u.Query().Get("expires"), u.Query().Get("signature")
	if err := store.Verify(SummaryKey("s1"), expires, sig); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if err := store.Verify(SummaryKey("s2"), expires, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected signature mismatch for other key, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := store.Verify(SummaryKey("s1"), expires, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected expired signature, got %v", err)
	}
}
