package acquire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
)

// mjpegStrategy pulls one frame from a multipart MJPEG stream. The
// read halts as soon as the first complete FFD8..FFD9 frame is seen;
// later frames never touch disk.
type mjpegStrategy struct {
	target Target
	deps   Deps
	client *http.Client
}

func newMJPEGStrategy(target Target, deps Deps) *mjpegStrategy {
	return &mjpegStrategy{
		target: target,
		deps:   deps,
		client: httpClientFor(target, deps),
	}
}

func (s *mjpegStrategy) Kind() string {
	return "mjpeg"
}

func (s *mjpegStrategy) ShouldSkip(ctx context.Context) (bool, string) {
	if d := s.deps.Backoff.Check(s.target.Key()); d.Skip {
		return true, SkipCircuitOpen
	}
	return false, ""
}

func (s *mjpegStrategy) Acquire(ctx context.Context) Result {
	streamCtx, cancel := context.WithTimeout(ctx, MJPEGMaxTime)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.target.Cam.URL, nil)
	if err != nil {
		return Failure(s.Kind(), fmt.Sprintf("bad_url: %v", err), backoff.SeverityPermanent)
	}
	applyRequestAuth(req, s.target)

	resp, err := s.client.Do(req)
	if err != nil {
		if streamCtx.Err() == context.DeadlineExceeded {
			return Failure(s.Kind(), "stream_timeout", backoff.SeverityTransient)
		}
		return Failure(s.Kind(), fmt.Sprintf("request_failed: %v", err), backoff.SeverityTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		r := Failure(s.Kind(), fmt.Sprintf("http_status_%d", resp.StatusCode), severityForHTTP(resp.StatusCode))
		r.HTTPCode = resp.StatusCode
		return r
	}

	frame, err := readFirstFrame(resp.Body, MJPEGMaxBytes)
	if err != nil {
		if streamCtx.Err() == context.DeadlineExceeded {
			return Failure(s.Kind(), "stream_timeout", backoff.SeverityTransient)
		}
		return Failure(s.Kind(), err.Error(), backoff.SeverityTransient)
	}

	if len(frame) < MinFrameBytes {
		return Failure(s.Kind(), fmt.Sprintf("frame_too_small: %d bytes", len(frame)), backoff.SeverityTransient)
	}

	return stageFrame(s.target, s.deps, frame, s.Kind())
}

// readFirstFrame accumulates stream bytes until a complete JPEG frame
// (SOI..EOI) is present, then returns exactly that frame by offsets.
// maxBytes bounds runaway streams that never emit EOI.
func readFirstFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 16*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])

			data := buf.Bytes()
			start := bytes.Index(data, jpegMagic)
			if start >= 0 {
				// EOI must follow SOI; search after the SOI marker
				if end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9}); end >= 0 {
					frameEnd := start + 2 + end + 2
					frame := make([]byte, frameEnd-start)
					copy(frame, data[start:frameEnd])
					return frame, nil
				}
			}

			if buf.Len() > maxBytes {
				return nil, fmt.Errorf("no_frame: %d bytes without a complete frame", buf.Len())
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("no_frame: stream ended without a complete frame")
			}
			return nil, fmt.Errorf("stream_read: %w", err)
		}
	}
}
