package acquire

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// RTSP bounds
const (
	rtspAttempts   = 4 // Initial try plus one retry per delay
	rtspMaxRuntime = 15 * time.Second
	rtspMinOutput  = 1024 // ffmpeg can exit 0 with a truncated frame
)

// rtspAttemptDelays are the inter-attempt backoff delays
var rtspAttemptDelays = []time.Duration{1 * time.Second, 5 * time.Second, 10 * time.Second}

// rtspStrategy grabs a single frame by spawning ffmpeg. No long-lived
// decoder state: each acquisition is one bounded subprocess.
type rtspStrategy struct {
	target Target
	deps   Deps
}

func newRTSPStrategy(target Target, deps Deps) *rtspStrategy {
	return &rtspStrategy{target: target, deps: deps}
}

func (s *rtspStrategy) Kind() string {
	return "rtsp"
}

func (s *rtspStrategy) ShouldSkip(ctx context.Context) (bool, string) {
	if d := s.deps.Backoff.Check(s.target.Key()); d.Skip {
		return true, SkipCircuitOpen
	}
	return false, ""
}

func (s *rtspStrategy) Acquire(ctx context.Context) Result {
	var lastClass string
	var lastErr error

	for attempt := 0; attempt < rtspAttempts; attempt++ {
		if attempt > 0 {
			delay := rtspAttemptDelays[attempt-1]
			select {
			case <-ctx.Done():
				return Failure(s.Kind(), "rtsp_timeout", backoff.SeverityTransient)
			case <-time.After(delay):
			}
		}

		frame, class, err := s.grabFrame(ctx, attempt)
		if err == nil {
			return stageFrame(s.target, s.deps, frame, s.Kind())
		}
		lastClass, lastErr = class, err

		logger.Debug("RTSP attempt failed",
			"airport", s.target.AirportID,
			"cam", s.target.CamIndex,
			"attempt", attempt+1,
			"class", class,
			"error", err)
	}

	severity := backoff.SeverityTransient
	if lastClass == "auth" || lastClass == "tls" {
		severity = backoff.SeverityPermanent
	}
	return Failure(s.Kind(), fmt.Sprintf("rtsp_%s: %v", lastClass, lastErr), severity)
}

// grabFrame runs one ffmpeg attempt into a per-attempt temp file
func (s *rtspStrategy) grabFrame(ctx context.Context, attempt int) ([]byte, string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, rtspMaxRuntime+5*time.Second)
	defer cancel()

	dir := s.deps.Store.IncomingDir(s.target.AirportID, s.target.CamIndex)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "unknown", err
	}
	out := filepath.Join(dir, fmt.Sprintf("rtsp_attempt_%d_%d.jpg", os.Getpid(), attempt))
	defer func() { _ = os.Remove(out) }()

	url := s.target.Cam.URL

	transport := s.target.Cam.RTSPTransport
	if transport == "" || strings.HasPrefix(url, "rtsps://") {
		// rtsps requires the TCP transport; plain rtsp defaults to it
		// for reliability.
		transport = "tcp"
	}

	args := []string{
		"-rtsp_transport", transport,
		"-i", url,
		"-frames:v", "1",
		"-q:v", "2",
		"-t", fmt.Sprintf("%d", int(rtspMaxRuntime.Seconds())),
		"-y",
		out,
	}

	cmd := exec.CommandContext(attemptCtx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	cmd.Stdin = nil

	if err := cmd.Run(); err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, "timeout", fmt.Errorf("ffmpeg exceeded %s", rtspMaxRuntime)
		}
		class := classifyFFmpegError(stderr.String())
		return nil, class, fmt.Errorf("ffmpeg exit: %w", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, "unknown", fmt.Errorf("read frame: %w", err)
	}
	if len(data) < rtspMinOutput {
		return nil, "unknown", fmt.Errorf("frame too small: %d bytes", len(data))
	}

	return data, "", nil
}

// classifyFFmpegError maps ffmpeg stderr output to an error class for
// severity selection.
func classifyFFmpegError(stderr string) string {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "authentication"):
		return "auth"
	case strings.Contains(lower, "tls") || strings.Contains(lower, "certificate") ||
		strings.Contains(lower, "ssl"):
		return "tls"
	case strings.Contains(lower, "name or service not known") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "failed to resolve"):
		return "dns"
	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "network is unreachable"):
		return "connection"
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return "timeout"
	default:
		return "unknown"
	}
}
