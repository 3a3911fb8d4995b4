package staleness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/store"
)

func TestTierForStepFunction(t *testing.T) {
	th := DefaultGeneral()

	tests := []struct {
		name string
		age  time.Duration
		want Tier
	}{
		{"zero age", 0, TierFresh},
		{"just under warning", 599 * time.Second, TierFresh},
		{"exactly warning", 600 * time.Second, TierWarning},
		{"between warning and error", 30 * time.Minute, TierWarning},
		{"exactly error", 3600 * time.Second, TierError},
		{"between error and failclosed", 2 * time.Hour, TierError},
		{"exactly failclosed", 10800 * time.Second, TierFailclosed},
		{"far past failclosed", 48 * time.Hour, TierFailclosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TierFor(tt.age, th); got != tt.want {
				t.Errorf("TierFor(%v) = %v, want %v", tt.age, got, tt.want)
			}
		})
	}
}

func TestMETARThresholds(t *testing.T) {
	th := DefaultMETAR()

	// An hour-old METAR is the normal publication cadence
	if got := TierFor(59*time.Minute, th); got != TierFresh {
		t.Errorf("59m METAR = %v, want fresh", got)
	}
	if got := TierFor(61*time.Minute, th); got != TierWarning {
		t.Errorf("61m METAR = %v, want warning", got)
	}
}

func TestForSourceOverrides(t *testing.T) {
	global := &config.Global{StaleWarningSeconds: 120}
	airport := &config.Airport{StaleWarningSeconds: 60, StaleErrorSeconds: 1800}

	tests := []struct {
		name       string
		sourceType string
		airport    *config.Airport
		global     *config.Global
		want       Thresholds
	}{
		{
			"defaults", "webcam", nil, nil,
			Thresholds{600 * time.Second, 3600 * time.Second, 10800 * time.Second},
		},
		{
			"metar defaults", "metar", nil, nil,
			Thresholds{3600 * time.Second, 7200 * time.Second, 10800 * time.Second},
		},
		{
			"global override", "webcam", nil, global,
			Thresholds{120 * time.Second, 3600 * time.Second, 10800 * time.Second},
		},
		{
			"airport beats global", "webcam", airport, global,
			Thresholds{60 * time.Second, 1800 * time.Second, 10800 * time.Second},
		},
		{
			"overrides apply to metar too", "metar", airport, nil,
			Thresholds{60 * time.Second, 1800 * time.Second, 10800 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ForSource(tt.sourceType, tt.airport, tt.global); got != tt.want {
				t.Errorf("ForSource = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAllDown(t *testing.T) {
	tests := []struct {
		name    string
		sources []SourceStatus
		want    bool
	}{
		{"no sources", nil, false},
		{"one fresh", []SourceStatus{{Tier: TierFresh}}, false},
		{"warning keeps airport up", []SourceStatus{{Tier: TierFailclosed}, {Tier: TierWarning}}, false},
		{"error keeps airport up", []SourceStatus{{Tier: TierError}}, false},
		{"all failclosed", []SourceStatus{{Tier: TierFailclosed}, {Tier: TierFailclosed}}, true},
		{"failclosed plus circuit open", []SourceStatus{{Tier: TierFailclosed}, {Tier: TierCircuitOpen}}, true},
		{"failclosed plus absent", []SourceStatus{{Tier: TierFailclosed}, {Tier: TierAbsent}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allDown(tt.sources); got != tt.want {
				t.Errorf("allDown = %v, want %v", got, tt.want)
			}
		})
	}
}

func testEvaluator(t *testing.T) (*Evaluator, *store.Store, *backoff.Store, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir)
	bo, err := backoff.NewStore(filepath.Join(dir, "backoff.json"), backoff.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	e := NewEvaluator(st, bo)
	now := time.Now()
	e.now = func() time.Time { return now }
	return e, st, bo, &now
}

func publishArtifact(t *testing.T, st *store.Store, airport string, cam int, ts time.Time) {
	t.Helper()
	final := st.VariantPath(airport, cam, ts, "720", "jpg")
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(final, []byte("jpeg"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(final, ts, ts); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateCurrent(airport, cam, "jpg", final); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateTiers(t *testing.T) {
	e, st, _, now := testEvaluator(t)

	airport := &config.Airport{
		Webcams:        []config.Webcam{{Name: "north"}},
		WeatherSources: []config.WeatherSource{{Type: "metar"}},
	}

	// Webcam published 20 minutes ago, weather never fetched
	publishArtifact(t, st, "kspb", 0, now.Add(-20*time.Minute))

	status := e.Evaluate("kspb", airport, nil)
	if len(status.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(status.Sources))
	}

	cam := status.Sources[0]
	if cam.Role != "webcam" || cam.Name != "north" {
		t.Errorf("webcam source = %+v", cam)
	}
	if cam.Tier != TierWarning {
		t.Errorf("webcam tier = %v, want warning", cam.Tier)
	}

	wx := status.Sources[1]
	if wx.Tier != TierAbsent {
		t.Errorf("weather tier = %v, want absent", wx.Tier)
	}

	if status.AllSourcesDown {
		t.Error("airport reported down with a warning-tier webcam")
	}
}

func TestEvaluateCircuitOpen(t *testing.T) {
	e, st, bo, now := testEvaluator(t)

	airport := &config.Airport{Webcams: []config.Webcam{{}}}
	publishArtifact(t, st, "kspb", 0, now.Add(-time.Minute))

	key := backoff.Key{Airport: "kspb", Role: "webcam", Kind: "cam0"}
	for i := 0; i < backoff.DefaultConfig().FailureThreshold; i++ {
		bo.RecordFailure(key, backoff.SeverityTransient, 0, "timeout", 0)
	}

	status := e.Evaluate("kspb", airport, nil)
	if status.Sources[0].Tier != TierCircuitOpen {
		t.Errorf("tier = %v, want circuit_open", status.Sources[0].Tier)
	}
	if !status.AllSourcesDown {
		t.Error("single circuit-open source should raise the banner")
	}
}

func TestEvaluateUnnamedWebcamGetsIndexName(t *testing.T) {
	e, _, _, _ := testEvaluator(t)

	airport := &config.Airport{Webcams: []config.Webcam{{}, {}}}
	status := e.Evaluate("kspb", airport, nil)

	if status.Sources[0].Name != "cam0" || status.Sources[1].Name != "cam1" {
		t.Errorf("names = %q, %q", status.Sources[0].Name, status.Sources[1].Name)
	}
}
