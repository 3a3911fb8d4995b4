package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestVariantPathLayout(t *testing.T) {
	s := New("/data")
	ts := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

	got := s.VariantPath("kspb", 0, ts, "720", "jpg")
	want := filepath.Join("/data", "webcams", "kspb", "0", "20260314", "15",
		fmt.Sprintf("%d_720.jpg", ts.Unix()))
	if got != want {
		t.Errorf("VariantPath = %q, want %q", got, want)
	}

	orig := s.VariantPath("kspb", 0, ts, SizeOriginal, "webp")
	if !strings.HasSuffix(orig, fmt.Sprintf("%d_original.webp", ts.Unix())) {
		t.Errorf("original path = %q", orig)
	}
}

func TestPromoteIsRename(t *testing.T) {
	s := New(t.TempDir())
	ts := time.Now()

	final := s.VariantPath("kspb", 0, ts, "720", "jpg")
	staging := StagingName(final)
	if err := os.MkdirAll(filepath.Dir(staging), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staging, []byte("frame"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := s.Promote(staging, final); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Error("staging file survived promotion")
	}
	data, err := os.ReadFile(final)
	if err != nil || string(data) != "frame" {
		t.Errorf("final = %q, %v", data, err)
	}
}

func TestCurrentAliasRotation(t *testing.T) {
	s := New(t.TempDir())
	ts1 := time.Now().Add(-time.Minute)
	ts2 := time.Now()

	for _, ts := range []time.Time{ts1, ts2} {
		final := s.VariantPath("kspb", 0, ts, "720", "jpg")
		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			t.Fatal(err)
		}
		payload := fmt.Sprintf("frame-%d", ts.Unix())
		if err := os.WriteFile(final, []byte(payload), 0644); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateCurrent("kspb", 0, "jpg", final); err != nil {
			t.Fatalf("UpdateCurrent: %v", err)
		}

		// The alias always resolves, and to the latest artifact
		target, err := s.ResolveCurrent("kspb", 0, "jpg")
		if err != nil {
			t.Fatalf("ResolveCurrent: %v", err)
		}
		data, err := os.ReadFile(target)
		if err != nil || string(data) != payload {
			t.Errorf("current resolved to %q (%v), want %q", data, err, payload)
		}
	}
}

func TestResolveCurrentBeforeFirstPromotion(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.ResolveCurrent("kspb", 0, "jpg"); err == nil {
		t.Error("expected error for a camera that never published")
	}
}

func TestQuarantineCollisionSuffixes(t *testing.T) {
	s := New(t.TempDir())
	ts := time.Unix(1700000000, 0)

	p1, err := s.Quarantine("kspb", 0, ts, "jpg", []byte("a"), "too_small")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Quarantine("kspb", 0, ts, "jpg", []byte("b"), "uniform_color")
	if err != nil {
		t.Fatal(err)
	}
	p3, err := s.Quarantine("kspb", 0, ts, "jpg", []byte("c"), "pixelated")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasSuffix(p1, "1700000000_rejected.jpg") {
		t.Errorf("first = %q", p1)
	}
	if !strings.HasSuffix(p2, "1700000000_rejected.1.jpg") {
		t.Errorf("second = %q", p2)
	}
	if !strings.HasSuffix(p3, "1700000000_rejected.2.jpg") {
		t.Errorf("third = %q", p3)
	}

	// Each quarantined image has a sibling diagnostic log
	log, err := os.ReadFile(strings.TrimSuffix(p2, ".jpg") + ".log")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if !strings.Contains(string(log), "uniform_color") {
		t.Errorf("log = %q", log)
	}
}

func TestPullMetaRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	// Missing file yields the zero record
	if meta := s.LoadPullMeta("kspb", 0); meta != (PullMeta{}) {
		t.Errorf("fresh meta = %+v", meta)
	}

	want := PullMeta{ETag: `"abc"`, Checksum: "deadbeef", LastFetched: 1700000000}
	if err := s.SavePullMeta("kspb", 0, want); err != nil {
		t.Fatal(err)
	}
	if got := s.LoadPullMeta("kspb", 0); got != want {
		t.Errorf("meta = %+v, want %+v", got, want)
	}
}

func TestPruneRemovesOldAndKeepsRecent(t *testing.T) {
	s := New(t.TempDir())
	now := time.Now()
	s.now = func() time.Time { return now }

	old := now.Add(-72 * time.Hour)
	recent := now.Add(-time.Hour)

	for _, ts := range []time.Time{old, recent} {
		p := s.VariantPath("kspb", 0, ts, "720", "jpg")
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, ts, ts); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := s.Prune("kspb", 0, 48*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := os.Stat(s.VariantPath("kspb", 0, recent, "720", "jpg")); err != nil {
		t.Error("recent variant pruned")
	}
	// Emptied day bucket is dropped
	oldDay := filepath.Join(s.CamDir("kspb", 0), old.UTC().Format("20060102"))
	if _, err := os.Stat(oldDay); !os.IsNotExist(err) {
		t.Error("empty day directory kept")
	}
}

func TestCleanOrphanStaging(t *testing.T) {
	s := New(t.TempDir())
	now := time.Now()
	s.now = func() time.Time { return now }

	dir := s.IncomingDir("kspb", 0)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	old := now.Add(-2 * time.Hour)
	write := func(name string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
		return p
	}

	mine := write(fmt.Sprintf("1700000000_%d_incoming.jpg", os.Getpid()))
	theirs := write("1700000000_99999999_incoming.jpg")
	fresh := filepath.Join(dir, "1700000001_99999999_incoming.jpg")
	if err := os.WriteFile(fresh, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	removed := s.CleanOrphanStaging("kspb", 0, time.Hour)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(mine); err != nil {
		t.Error("own staging file removed")
	}
	if _, err := os.Stat(theirs); !os.IsNotExist(err) {
		t.Error("stale foreign staging file kept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh foreign staging file removed")
	}
}

func TestIngestIncomingMovesIntoStaging(t *testing.T) {
	s := New(t.TempDir())
	src := filepath.Join(t.TempDir(), "upload.jpg")
	if err := os.WriteFile(src, []byte("pushed"), 0644); err != nil {
		t.Fatal(err)
	}

	dst, err := s.IngestIncoming(src, "kspb", 0, time.Now())
	if err != nil {
		t.Fatalf("IngestIncoming: %v", err)
	}
	if filepath.Dir(dst) != s.IncomingDir("kspb", 0) {
		t.Errorf("dst = %q not in staging dir", dst)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source file survived ingest")
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "pushed" {
		t.Errorf("staged = %q, %v", data, err)
	}
}
