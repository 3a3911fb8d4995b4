package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airfieldwx/airfieldwx/internal/acquire"
	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
)

// Worker exit codes for one-shot (--worker) invocations
const (
	ExitOK      = 0
	ExitTimeout = 124
	ExitFailure = 1
)

// runWebcamJob is one full acquisition cycle for a camera: strategy
// selection, skip checks, acquisition, pipeline pass, and backoff
// bookkeeping. The returned error drives the pool outcome only;
// failures are already absorbed into the circuit state.
func (s *Scheduler) runWebcamJob(ctx context.Context, airportID string, airport *config.Airport, camIndex int) error {
	cam := &airport.Webcams[camIndex]
	target := acquire.Target{
		AirportID: airportID,
		Airport:   airport,
		CamIndex:  camIndex,
		Cam:       cam,
	}
	deps := acquire.Deps{
		Store:          s.store,
		Backoff:        s.backoff,
		Detector:       s.pipeline.Detector(),
		Clock:          s.clock,
		Client:         s.client,
		Global:         s.cfgSvc.Get().Global,
		RequestTimeout: s.client.Timeout,
	}

	strat, err := acquire.New(target, deps)
	if err != nil {
		s.backoff.RecordFailure(target.Key(), backoff.SeverityPermanent, 0, err.Error(), 0)
		return err
	}

	if skip, reason := strat.ShouldSkip(ctx); skip {
		metrics.Acquisitions.WithLabelValues(airportID, strat.Kind(), "skip").Inc()
		logger.Debug("acquisition skipped",
			"airport", airportID, "cam", camIndex, "reason", reason)
		return nil
	}

	result := strat.Acquire(ctx)
	return s.settle(ctx, airportID, airport, camIndex, target, result)
}

// settle applies the result to backoff, metrics, and the pipeline
func (s *Scheduler) settle(ctx context.Context, airportID string, airport *config.Airport, camIndex int, target acquire.Target, result acquire.Result) error {
	cam := &airport.Webcams[camIndex]

	switch result.Status {
	case acquire.StatusSuccess:
		prevalidated := false
		if result.Meta != nil {
			prevalidated, _ = result.Meta["prevalidated"].(bool)
		}
		sum, err := s.pipeline.ProcessStaged(airportID, airport, camIndex, cam, prevalidated)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}

		// The transfer worked but every frame failed content validation
		if sum.Processed > 0 && sum.Published == 0 && sum.Rejected > 0 {
			s.backoff.RecordFailure(target.Key(), backoff.SeverityTransient, 0, "pipeline_rejected", 0)
			metrics.Acquisitions.WithLabelValues(airportID, result.Kind, "failure").Inc()
			logger.Warn("acquisition rejected in pipeline",
				"airport", airportID, "cam", camIndex, "kind", result.Kind,
				"rejected", sum.Rejected)
			return errors.New("pipeline_rejected")
		}

		s.backoff.RecordSuccess(target.Key())
		metrics.Acquisitions.WithLabelValues(airportID, result.Kind, "success").Inc()
		logger.Info("acquisition published",
			"airport", airportID, "cam", camIndex, "kind", result.Kind,
			"timestamp", result.Timestamp.Format(time.RFC3339),
			"published", sum.Published, "rejected", sum.Rejected)
		return nil

	case acquire.StatusSkip:
		// Unchanged content still proves the source is alive
		s.backoff.RecordSuccess(target.Key())
		metrics.Acquisitions.WithLabelValues(airportID, result.Kind, "skip").Inc()
		logger.Debug("acquisition skipped",
			"airport", airportID, "cam", camIndex, "reason", result.Reason)
		return nil

	default:
		var serverRetryAfter time.Duration
		if result.Meta != nil {
			serverRetryAfter, _ = result.Meta["retry_after"].(time.Duration)
		}
		s.backoff.RecordFailure(target.Key(), result.Severity, result.HTTPCode, result.Reason, serverRetryAfter)
		metrics.Acquisitions.WithLabelValues(airportID, result.Kind, "failure").Inc()
		logger.Warn("acquisition failed",
			"airport", airportID, "cam", camIndex, "kind", result.Kind,
			"reason", result.Reason, "severity", string(result.Severity))

		if ctx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return errors.New(result.Reason)
	}
}

// RunWorker executes one job to completion outside the daemon loop.
// role is "webcam" (camIndex required) or "weather". The returned
// code follows the one-shot contract: 0 success, 124 timeout, 1
// failure.
func (s *Scheduler) RunWorker(ctx context.Context, airportID, role string, camIndex int) int {
	snapshot := s.cfgSvc.Get()
	airport, ok := snapshot.Airports[airportID]
	if !ok {
		logger.Error("unknown airport", "airport", airportID)
		return ExitFailure
	}

	timeout := 120 * time.Second
	if snapshot.Global != nil && snapshot.Global.WorkerTimeoutSeconds > 0 {
		timeout = time.Duration(snapshot.Global.WorkerTimeoutSeconds) * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	switch role {
	case "webcam":
		if camIndex < 0 || camIndex >= len(airport.Webcams) {
			logger.Error("webcam index out of range", "airport", airportID, "cam", camIndex)
			return ExitFailure
		}
		err = s.runWebcamJob(jobCtx, airportID, &airport, camIndex)
	case "weather":
		err = s.weather.Poll(jobCtx, airportID, &airport, snapshot.Global)
	default:
		logger.Error("unknown worker role", "role", role)
		return ExitFailure
	}

	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.DeadlineExceeded):
		return ExitTimeout
	default:
		return ExitFailure
	}
}
