// Package acquire implements the image acquisition strategies: pull
// (static, federated, MJPEG, RTSP, ONVIF) and push (FTP/SFTP inbox).
// Strategies return typed results; nothing in the acquisition path
// panics or aborts, failures become backoff increments.
package acquire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/detect"
	"github.com/airfieldwx/airfieldwx/internal/store"
	"github.com/airfieldwx/airfieldwx/internal/timeauth"
)

// Status is the outcome class of an acquisition
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusSkip    Status = "skip" // Non-error: unchanged, not due, circuit open
)

// Skip reasons
const (
	SkipUnchanged304      = "unchanged_304"
	SkipUnchangedChecksum = "unchanged_checksum"
	SkipNotDue            = "not_due"
	SkipNoNewFiles        = "no_new_files"
	SkipCircuitOpen       = "circuit_open"
)

// Result is the typed outcome of one acquisition attempt
type Result struct {
	Status    Status
	Path      string    // Staging path of the acquired artifact (success)
	Timestamp time.Time // Capture timestamp, UTC (success)
	Kind      string    // Source kind
	Reason    string    // Failure or skip reason
	Severity  backoff.Severity
	HTTPCode  int
	Meta      map[string]interface{}
}

// Success builds a success result
func Success(path string, ts time.Time, kind string) Result {
	return Result{Status: StatusSuccess, Path: path, Timestamp: ts, Kind: kind}
}

// Failure builds a failure result
func Failure(kind, reason string, severity backoff.Severity) Result {
	return Result{Status: StatusFailure, Kind: kind, Reason: reason, Severity: severity}
}

// Skip builds a skip result
func Skip(kind, reason string) Result {
	return Result{Status: StatusSkip, Kind: kind, Reason: reason}
}

// Strategy is the capability interface every source kind implements
type Strategy interface {
	// Kind returns the source kind identifier
	Kind() string

	// ShouldSkip consults the circuit breaker (and, for push, the
	// processing cadence) before any network or filesystem work.
	ShouldSkip(ctx context.Context) (bool, string)

	// Acquire attempts to obtain one fresh image into staging
	Acquire(ctx context.Context) Result
}

// Target identifies the camera being acquired
type Target struct {
	AirportID string
	Airport   *config.Airport
	CamIndex  int
	Cam       *config.Webcam
}

// Key returns the backoff key for this camera
func (t Target) Key() backoff.Key {
	return backoff.Key{
		Airport: t.AirportID,
		Role:    "webcam",
		Kind:    fmt.Sprintf("cam%d", t.CamIndex),
	}
}

// Deps carries the shared collaborators every strategy needs
type Deps struct {
	Store    *store.Store
	Backoff  *backoff.Store
	Detector *detect.Detector
	Clock    *timeauth.ClockHealth
	Client   *http.Client
	Global   *config.Global

	RequestTimeout time.Duration
}

// Acquisition bounds
const (
	MaxBodyBytes  = 20 << 20 // Pull body cap
	MinFrameBytes = 1024     // Smallest plausible camera frame

	MJPEGMaxBytes = 10 << 20
	MJPEGMaxTime  = 30 * time.Second

	PNGTranscodeQuality = 85
)

// Error types shared by the strategies

// TimeoutError indicates an acquisition timed out
type TimeoutError struct {
	Target  string
	Timeout time.Duration
}

// AuthError indicates source authentication failed
type AuthError struct {
	Target  string
	Message string
}

// SourceError indicates a general acquisition failure
type SourceError struct {
	Target  string
	Message string
	Err     error
}

func (e *TimeoutError) Error() string {
	return "acquisition timeout: " + e.Target
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Target + ": " + e.Message
}

func (e *SourceError) Error() string {
	if e.Err != nil {
		return "acquisition failed: " + e.Target + ": " + e.Message + ": " + e.Err.Error()
	}
	return "acquisition failed: " + e.Target + ": " + e.Message
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// severityForHTTP classifies an unexpected HTTP status
func severityForHTTP(code int) backoff.Severity {
	switch {
	case code == http.StatusTooManyRequests:
		return backoff.SeverityRateLimit
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return backoff.SeverityPermanent
	case code >= 400 && code < 500:
		return backoff.SeverityPermanent
	default:
		return backoff.SeverityTransient
	}
}
