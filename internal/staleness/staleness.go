// Package staleness derives status tiers from artifact age and circuit
// state, and owns the primary/backup weather failover rules.
package staleness

import (
	"os"
	"strconv"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/store"
)

// Tier is the reported freshness class of one source
type Tier string

const (
	TierFresh       Tier = "fresh"
	TierWarning     Tier = "warning"
	TierError       Tier = "error"
	TierFailclosed  Tier = "failclosed"
	TierAbsent      Tier = "absent"       // No artifact has ever been produced
	TierCircuitOpen Tier = "circuit_open" // Suppressed by backoff
)

// Thresholds are the tier boundaries for a source class
type Thresholds struct {
	Warning    time.Duration
	Error      time.Duration
	Failclosed time.Duration
}

// DefaultGeneral is the tier schedule for webcams and most weather
// sources.
func DefaultGeneral() Thresholds {
	return Thresholds{
		Warning:    600 * time.Second,
		Error:      3600 * time.Second,
		Failclosed: 10800 * time.Second,
	}
}

// DefaultMETAR reflects the METAR publication cadence: an hour-old
// METAR is normal, not stale.
func DefaultMETAR() Thresholds {
	return Thresholds{
		Warning:    3600 * time.Second,
		Error:      7200 * time.Second,
		Failclosed: 10800 * time.Second,
	}
}

// ForSource resolves the thresholds for a source type with airport and
// global overrides applied.
func ForSource(sourceType string, airport *config.Airport, global *config.Global) Thresholds {
	th := DefaultGeneral()
	if sourceType == "metar" {
		th = DefaultMETAR()
	}

	apply := func(warning, errs, failclosed int) {
		if warning > 0 {
			th.Warning = time.Duration(warning) * time.Second
		}
		if errs > 0 {
			th.Error = time.Duration(errs) * time.Second
		}
		if failclosed > 0 {
			th.Failclosed = time.Duration(failclosed) * time.Second
		}
	}

	if global != nil {
		apply(global.StaleWarningSeconds, global.StaleErrorSeconds, global.StaleFailclosedSeconds)
	}
	if airport != nil {
		apply(airport.StaleWarningSeconds, airport.StaleErrorSeconds, airport.StaleFailclosedSeconds)
	}
	return th
}

// TierFor is the pure step function from artifact age to tier
func TierFor(age time.Duration, th Thresholds) Tier {
	switch {
	case age >= th.Failclosed:
		return TierFailclosed
	case age >= th.Error:
		return TierError
	case age >= th.Warning:
		return TierWarning
	default:
		return TierFresh
	}
}

// SourceStatus is one source's evaluated freshness
type SourceStatus struct {
	Role string        `json:"role"` // "webcam" or "weather"
	Name string        `json:"name"`
	Tier Tier          `json:"tier"`
	Age  time.Duration `json:"age_seconds"`
}

// AirportStatus aggregates an airport's sources
type AirportStatus struct {
	Airport        string         `json:"airport"`
	Sources        []SourceStatus `json:"sources"`
	AllSourcesDown bool           `json:"all_sources_down"`
	BackupActive   bool           `json:"backup_active,omitempty"`
}

// Evaluator derives airport status from artifact ages on disk and
// circuit state.
type Evaluator struct {
	store   *store.Store
	backoff *backoff.Store
	now     func() time.Time
}

// NewEvaluator creates an evaluator over the given store and circuits
func NewEvaluator(st *store.Store, bo *backoff.Store) *Evaluator {
	return &Evaluator{store: st, backoff: bo, now: time.Now}
}

// Evaluate computes the per-source tiers and the outage banner flag.
// The banner is raised only when every source sits in failclosed; a
// single degraded-but-alive source keeps the airport partially up.
func (e *Evaluator) Evaluate(airportID string, airport *config.Airport, global *config.Global) AirportStatus {
	status := AirportStatus{Airport: airportID}
	now := e.now()

	webcamTh := ForSource("webcam", airport, global)
	for i := range airport.Webcams {
		cam := &airport.Webcams[i]
		name := cam.Name
		if name == "" {
			name = "cam" + strconv.Itoa(i)
		}

		s := SourceStatus{Role: "webcam", Name: name}
		key := backoff.Key{Airport: airportID, Role: "webcam", Kind: "cam" + strconv.Itoa(i)}
		age, ok := e.webcamAge(airportID, i, now)
		switch {
		case e.backoff.IsOpen(key):
			s.Tier = TierCircuitOpen
			s.Age = age
		case !ok:
			s.Tier = TierAbsent
		default:
			s.Tier = TierFor(age, webcamTh)
			s.Age = age
		}
		status.Sources = append(status.Sources, s)
	}

	for i := range airport.WeatherSources {
		src := &airport.WeatherSources[i]
		th := ForSource(src.Type, airport, global)

		s := SourceStatus{Role: "weather", Name: src.Type}
		key := backoff.Key{Airport: airportID, Role: "weather", Kind: src.Type}
		age, ok := e.weatherAge(airportID, src.Type, now)
		switch {
		case e.backoff.IsOpen(key):
			s.Tier = TierCircuitOpen
			s.Age = age
		case !ok:
			s.Tier = TierAbsent
		default:
			s.Tier = TierFor(age, th)
			s.Age = age
		}
		status.Sources = append(status.Sources, s)
	}

	status.AllSourcesDown = allDown(status.Sources)
	return status
}

// webcamAge returns the age of the camera's current artifact
func (e *Evaluator) webcamAge(airportID string, cam int, now time.Time) (time.Duration, bool) {
	target, err := e.store.ResolveCurrent(airportID, cam, "jpg")
	if err != nil {
		return 0, false
	}
	info, err := os.Stat(target)
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}

// weatherAge returns the age of the stored weather payload
func (e *Evaluator) weatherAge(airportID, source string, now time.Time) (time.Duration, bool) {
	info, err := os.Stat(e.store.WeatherPath(airportID, source))
	if err != nil {
		return 0, false
	}
	return now.Sub(info.ModTime()), true
}

// allDown reports whether every source is in failclosed (or suppressed
// with nothing fresh behind it). An airport with zero sources is not
// "down", it is unconfigured.
func allDown(sources []SourceStatus) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		switch s.Tier {
		case TierFailclosed:
			// down
		case TierCircuitOpen, TierAbsent:
			// Contributes nothing fresh; counts as down for the banner
		default:
			return false
		}
	}
	return true
}
