package acquire

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
	"golang.org/x/image/webp"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/exif"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
)

// Push bounds
const (
	PushMinFileAge   = 3 * time.Second // Younger files may still be mid-upload
	PushMinFileBytes = 100
	PushMaxBatch     = 10 // Backlog files drained per acquisition
)

var webpMagic = []byte("RIFF")

// pushStrategy drains a camera's upload inbox. Cameras push over
// FTP/SFTP on their own schedule; acquisition here is a scan of the
// per-username inbox directories, a stability wait, and full intake
// validation. Rejected uploads are quarantined so a misbehaving
// camera is diagnosable from disk.
type pushStrategy struct {
	target  Target
	deps    Deps
	cfg     pushConfig
	fs      inboxFS
	roots   []string
	tracker *stabilityTracker
}

type pushConfig struct {
	maxBytes    int64
	maxAge      time.Duration
	allowedExts map[string]bool
}

func newPushStrategy(target Target, deps Deps) (*pushStrategy, error) {
	pc := target.Cam.PushConfig
	if pc == nil {
		return nil, fmt.Errorf("push_config is required for push webcams")
	}
	if pc.Username == "" {
		return nil, fmt.Errorf("push_config.username is required")
	}

	allowed := map[string]bool{}
	for _, ext := range pc.AllowedExtensions {
		allowed[strings.ToLower(ext)] = true
	}

	s := &pushStrategy{
		target: target,
		deps:   deps,
		cfg: pushConfig{
			maxBytes:    int64(pc.MaxFileSizeMB) << 20,
			maxAge:      time.Duration(pc.MaxFileAgeSeconds) * time.Second,
			allowedExts: allowed,
		},
		tracker: trackerFor(target.AirportID, target.CamIndex),
	}

	if pc.Remote != nil {
		s.fs = newRemoteInbox(pc.Remote)
		s.roots = []string{path.Join(pc.Remote.BasePath, pc.Username)}
		return s, nil
	}

	s.fs = localInbox{}
	uploadRoot := filepath.Join(deps.Store.Root(), "uploads")
	switch pc.Protocol {
	case "ftp":
		s.roots = []string{filepath.Join(uploadRoot, "ftp", pc.Username)}
	case "sftp":
		s.roots = []string{filepath.Join(uploadRoot, "sftp", pc.Username)}
	default: // "both"
		s.roots = []string{
			filepath.Join(uploadRoot, "ftp", pc.Username),
			filepath.Join(uploadRoot, "sftp", pc.Username),
		}
	}
	return s, nil
}

func (s *pushStrategy) Kind() string {
	return "push"
}

// ShouldSkip checks the circuit and the processing cadence: push
// inboxes are rescanned no more often than the camera's refresh.
func (s *pushStrategy) ShouldSkip(ctx context.Context) (bool, string) {
	if d := s.deps.Backoff.Check(s.target.Key()); d.Skip {
		return true, SkipCircuitOpen
	}

	meta := s.deps.Store.LoadPullMeta(s.target.AirportID, s.target.CamIndex)
	if meta.LastFetched > 0 {
		refresh := s.target.Airport.EffectiveWebcamRefresh(s.target.Cam, s.deps.Global)
		if time.Since(time.Unix(meta.LastFetched, 0)) < time.Duration(refresh)*time.Second {
			return true, SkipNotDue
		}
	}
	return false, ""
}

func (s *pushStrategy) Acquire(ctx context.Context) Result {
	defer func() { _ = s.fs.Close() }()

	candidates, err := s.collect()
	if err != nil {
		return Failure(s.Kind(), fmt.Sprintf("inbox_scan: %v", err), backoff.SeverityTransient)
	}
	if len(candidates) == 0 {
		s.markProcessed()
		return Skip(s.Kind(), SkipNoNewFiles)
	}

	var success *Result
	accepted, rejected := 0, 0
	lastReject := ""

	for i, f := range candidates {
		if i >= PushMaxBatch || ctx.Err() != nil {
			break
		}

		settle, ok := s.waitStable(ctx, f)
		if !ok {
			continue // Still being written; next scan gets it
		}

		staged, reason := s.intake(f)
		if reason != "" {
			rejected++
			lastReject = reason
			s.tracker.RecordReject()
			metrics.Rejections.WithLabelValues(s.target.AirportID, reason).Inc()
			continue
		}

		accepted++
		s.tracker.RecordAccept()
		s.tracker.RecordStabilization(settle)
		if success == nil {
			r := Success(staged.path, staged.timestamp, s.Kind())
			r.Meta = map[string]interface{}{
				"prevalidated": true,
				"stability_ms": settle.Milliseconds(),
			}
			success = &r
		}
	}

	s.markProcessed()

	switch {
	case success != nil:
		success.Meta["accepted"] = accepted
		success.Meta["rejected"] = rejected
		return *success
	case rejected > 0:
		return Failure(s.Kind(), lastReject, backoff.SeverityTransient)
	default:
		return Skip(s.Kind(), SkipNoNewFiles)
	}
}

// collect scans the inbox roots, filters by extension and age, purges
// abandoned files, and orders the batch: newest first so a fresh
// frame publishes immediately, then oldest-to-newest to clear backlog.
func (s *pushStrategy) collect() ([]inboxFile, error) {
	now := time.Now()
	var files []inboxFile

	for _, root := range s.roots {
		found, err := s.fs.Scan(root)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
			if !s.cfg.allowedExts[ext] {
				continue
			}
			age := now.Sub(f.MTime)
			if age < PushMinFileAge {
				continue
			}
			if age > s.cfg.maxAge {
				logger.Info("purging abandoned upload",
					"airport", s.target.AirportID,
					"cam", s.target.CamIndex,
					"file", f.Name,
					"age", age.Round(time.Second).String())
				_ = s.fs.Remove(f.Path)
				continue
			}
			files = append(files, f)
		}
	}

	if len(files) == 0 {
		return nil, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].MTime.After(files[j].MTime) })
	if len(files) > 1 {
		backlog := files[1:]
		sort.Slice(backlog, func(i, j int) bool { return backlog[i].MTime.Before(backlog[j].MTime) })
	}
	return files, nil
}

// waitStable polls size+mtime until the adaptive N consecutive
// unchanged observations, bounded by the stability timeout.
func (s *pushStrategy) waitStable(ctx context.Context, f inboxFile) (time.Duration, bool) {
	required := s.tracker.RequiredChecks()
	start := time.Now()
	deadline := start.Add(stabilityTimeout)

	lastSize, lastMTime := f.Size, f.MTime
	consecutive := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(stabilityInterval):
		}

		size, mtime, err := s.fs.Stat(f.Path)
		if err != nil {
			return 0, false // Vanished mid-wait
		}
		if size == lastSize && mtime.Equal(lastMTime) {
			consecutive++
			if consecutive >= required {
				return time.Since(start), true
			}
		} else {
			consecutive = 0
			lastSize, lastMTime = size, mtime
		}
	}
	return 0, false
}

type stagedUpload struct {
	path      string
	timestamp time.Time
}

// intake runs the full validation chain on one upload and either
// stages it for the pipeline or quarantines it. An empty reason means
// the file was accepted; the inbox copy is always removed.
func (s *pushStrategy) intake(f inboxFile) (stagedUpload, string) {
	data, err := s.fs.Read(f.Path)
	if err != nil {
		return stagedUpload{}, "read_failed"
	}

	normalized, captureTime, reason := s.validate(data, f)
	if reason != "" {
		s.quarantine(f, data, reason)
		return stagedUpload{}, reason
	}

	staging := s.deps.Store.IncomingPath(s.target.AirportID, s.target.CamIndex, captureTime)
	if err := os.MkdirAll(filepath.Dir(staging), 0755); err != nil {
		return stagedUpload{}, "staging_dir_failed"
	}
	if err := renameio.WriteFile(staging, normalized, 0644); err != nil {
		return stagedUpload{}, "staging_write_failed"
	}
	_ = s.fs.Remove(f.Path)

	return stagedUpload{path: staging, timestamp: captureTime}, ""
}

// validate applies the content gates in order: size, MIME signature,
// format completeness, decode, error-frame detection, then the EXIF
// chain (ensure, validate, drift against upload mtime, normalize to
// UTC). Returns the publish-ready JPEG bytes and the capture time.
func (s *pushStrategy) validate(data []byte, f inboxFile) ([]byte, time.Time, string) {
	if int64(len(data)) < PushMinFileBytes {
		return nil, time.Time{}, "too_small"
	}
	if int64(len(data)) > s.cfg.maxBytes {
		return nil, time.Time{}, "too_large"
	}

	img, jpegData, reason := decodeUpload(data)
	if reason != "" {
		return nil, time.Time{}, reason
	}

	if s.deps.Detector != nil {
		res := s.deps.Detector.Check(img, s.target.Airport.Lat, s.target.Airport.Lon, time.Now())
		if res.IsError {
			return nil, time.Time{}, strings.Join(res.Reasons, ",")
		}
	}

	loc, err := s.target.Airport.Location()
	if err != nil {
		return nil, time.Time{}, "bad_timezone"
	}

	context := fmt.Sprintf("%s/cam%d", s.target.AirportID, s.target.CamIndex)
	stamped, _, err := exif.Ensure(jpegData, f.Name, f.MTime, loc, context)
	if err != nil {
		return nil, time.Time{}, "exif_ensure_failed"
	}

	now := time.Now().UTC()
	if v := exif.ValidateTimestamp(stamped, now); !v.Valid {
		return nil, time.Time{}, "exif_" + v.Reason
	}

	exifTime, _ := exif.ReadTimestamp(stamped)
	if err := exif.CheckDrift(exifTime, f.MTime); err != nil {
		return nil, time.Time{}, "timestamp_drift"
	}

	normalized, utc, err := exif.NormalizeToUTC(stamped, loc)
	if err != nil {
		return nil, time.Time{}, "exif_normalize_failed"
	}

	return normalized, utc, ""
}

// decodeUpload verifies the MIME signature and format completeness,
// decodes, and yields JPEG bytes (transcoding PNG and WebP).
func decodeUpload(data []byte) (image.Image, []byte, string) {
	switch {
	case isJPEGData(data):
		if !exif.IsComplete(data) {
			return nil, nil, "incomplete_jpeg"
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, nil, "decode_failed"
		}
		return img, data, ""

	case isPNGData(data):
		if !bytes.Contains(data[maxInt(0, len(data)-16):], []byte("IEND")) {
			return nil, nil, "incomplete_png"
		}
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, nil, "decode_failed"
		}
		jpegData, err := encodeJPEG(img)
		if err != nil {
			return nil, nil, "transcode_failed"
		}
		return img, jpegData, ""

	case isWebPData(data):
		// RIFF size field covers everything after the first 8 bytes
		riffSize := int64(uint32(data[4]) | uint32(data[5])<<8 | uint32(data[6])<<16 | uint32(data[7])<<24)
		if riffSize+8 > int64(len(data)) {
			return nil, nil, "incomplete_webp"
		}
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, nil, "decode_failed"
		}
		jpegData, err := encodeJPEG(img)
		if err != nil {
			return nil, nil, "transcode_failed"
		}
		return img, jpegData, ""

	default:
		return nil, nil, "mime_mismatch"
	}
}

func isWebPData(data []byte) bool {
	return len(data) >= 12 && bytes.HasPrefix(data, webpMagic) && bytes.Equal(data[8:12], []byte("WEBP"))
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(PNGTranscodeQuality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// quarantine archives the rejected upload and removes it from the
// inbox so the camera cannot wedge the batch.
func (s *pushStrategy) quarantine(f inboxFile, data []byte, reason string) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(f.Name)), ".")
	if ext == "" {
		ext = "bin"
	}
	diagnostic := fmt.Sprintf("source: push upload %s\nreason: %s\nupload_mtime: %s\nsize: %d",
		f.Name, reason, f.MTime.UTC().Format(time.RFC3339), len(data))

	if _, err := s.deps.Store.Quarantine(s.target.AirportID, s.target.CamIndex, f.MTime, ext, data, diagnostic); err != nil {
		logger.Warn("quarantine failed",
			"airport", s.target.AirportID,
			"cam", s.target.CamIndex,
			"file", f.Name,
			"error", err)
	}
	_ = s.fs.Remove(f.Path)
}

// markProcessed records the scan instant for the cadence gate
func (s *pushStrategy) markProcessed() {
	meta := s.deps.Store.LoadPullMeta(s.target.AirportID, s.target.CamIndex)
	meta.LastFetched = time.Now().Unix()
	_ = s.deps.Store.SavePullMeta(s.target.AirportID, s.target.CamIndex, meta)
}
