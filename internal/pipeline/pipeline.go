// Package pipeline turns staged acquisitions into published variant
// trees: decode, quality gates, variant matrix, atomic promotion,
// current.* rotation, manifest, and retention.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/airfieldwx/airfieldwx/internal/config"
	"github.com/airfieldwx/airfieldwx/internal/detect"
	"github.com/airfieldwx/airfieldwx/internal/exif"
	"github.com/airfieldwx/airfieldwx/internal/logger"
	"github.com/airfieldwx/airfieldwx/internal/metrics"
	"github.com/airfieldwx/airfieldwx/internal/store"
)

const (
	// PrivilegedHeight is the variant the current.* aliases track
	PrivilegedHeight = 720

	// JPEGQuality matches the source quality of the acquisition path
	JPEGQuality = 85

	// Orphaned staging files from dead workers are swept after this
	orphanMaxAge = time.Hour

	// WebP encode settings, passed to ffmpeg
	webpQuality     = "90"
	webpCompression = "6"
)

// variantSet is one published height with its per-format paths
type variantSet struct {
	size  string
	paths map[string]string // format -> final path
}

// Summary reports what one pipeline pass did
type Summary struct {
	Processed int
	Published int
	Rejected  int
}

// Pipeline processes one camera's staging directory
type Pipeline struct {
	store    *store.Store
	detector *detect.Detector

	// Retention window for variants and originals
	Retention time.Duration

	now func() time.Time
}

// New creates a pipeline over the given store and detector
func New(st *store.Store, det *detect.Detector) *Pipeline {
	return &Pipeline{
		store:     st,
		detector:  det,
		Retention: 48 * time.Hour,
		now:       time.Now,
	}
}

// Detector exposes the quality gates for intake-time validation
func (p *Pipeline) Detector() *detect.Detector {
	return p.detector
}

// ProcessStaged drains the camera's staging directory: every incoming
// frame is validated, expanded into the variant matrix, and promoted,
// or quarantined with a diagnostic. prevalidated marks frames that
// already passed the quality gates at intake (push uploads).
func (p *Pipeline) ProcessStaged(airportID string, airport *config.Airport, camIndex int, cam *config.Webcam, prevalidated bool) (Summary, error) {
	var sum Summary

	p.store.CleanOrphanStaging(airportID, camIndex, orphanMaxAge)

	dir := p.store.IncomingDir(airportID, camIndex)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, nil
		}
		return sum, fmt.Errorf("read staging dir: %w", err)
	}

	var incoming []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "_incoming.jpg") {
			incoming = append(incoming, e.Name())
		}
	}
	sort.Strings(incoming) // Unix-prefixed names sort oldest first

	for _, name := range incoming {
		path := filepath.Join(dir, name)
		sum.Processed++

		published, reason, err := p.processOne(path, airportID, airport, camIndex, cam, prevalidated)
		if err != nil {
			logger.Error("pipeline pass failed",
				"airport", airportID, "cam", camIndex, "file", name, "error", err)
			continue // Staging file stays for the next pass
		}
		if reason != "" {
			sum.Rejected++
			metrics.Rejections.WithLabelValues(airportID, reason).Inc()
			continue
		}
		if published {
			sum.Published++
		}
	}

	if p.Retention > 0 {
		if removed, err := p.store.Prune(airportID, camIndex, p.Retention); err == nil && removed > 0 {
			logger.Debug("pruned expired variants",
				"airport", airportID, "cam", camIndex, "removed", removed)
		}
	}

	return sum, nil
}

// processOne runs the single-pass pipeline over one staged frame.
// Returns (published, rejectReason, err); a reject consumes the
// staging file into quarantine, an err leaves it in place.
func (p *Pipeline) processOne(path, airportID string, airport *config.Airport, camIndex int, cam *config.Webcam, prevalidated bool) (bool, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, "", fmt.Errorf("read staged frame: %w", err)
	}

	now := p.now().UTC()

	ts, ok := exif.ReadTimestamp(data)
	if !ok {
		ts = stagingTimestamp(path, now)
	}
	ts = ts.UTC()

	reject := func(reason string) (bool, string, error) {
		diagnostic := fmt.Sprintf("source: pipeline\nreason: %s\ncapture: %s", reason, ts.Format(time.RFC3339))
		if _, qerr := p.store.Quarantine(airportID, camIndex, ts, "jpg", data, diagnostic); qerr != nil {
			logger.Warn("quarantine failed", "airport", airportID, "cam", camIndex, "error", qerr)
		}
		_ = os.Remove(path)
		return false, reason, nil
	}

	// Decode exactly once; every gate and variant works off this image
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return reject("decode_failure")
	}

	if !prevalidated {
		if v := exif.ValidateTimestamp(data, now); !v.Valid {
			return reject("exif_" + v.Reason)
		}
		if p.detector != nil {
			res := p.detector.Check(img, airport.Lat, airport.Lon, now)
			if res.IsError {
				return reject(strings.Join(res.Reasons, ","))
			}
		}
	}

	originalHeight := img.Bounds().Dy()

	var published []variantSet

	publish := func(size string, jpegBytes []byte) error {
		finalJPG := p.store.VariantPath(airportID, camIndex, ts, size, "jpg")
		finalWebP := p.store.VariantPath(airportID, camIndex, ts, size, "webp")

		stagingJPG := store.StagingName(finalJPG)
		stagingWebP := store.StagingName(finalWebP)

		if err := os.MkdirAll(filepath.Dir(finalJPG), 0755); err != nil {
			return fmt.Errorf("variant dir: %w", err)
		}
		if err := os.WriteFile(stagingJPG, jpegBytes, 0644); err != nil {
			return fmt.Errorf("stage jpg: %w", err)
		}
		if err := encodeWebP(stagingJPG, stagingWebP); err != nil {
			_ = os.Remove(stagingJPG)
			return fmt.Errorf("stage webp: %w", err)
		}

		// Both formats staged; the height publishes as a unit
		if err := p.store.Promote(stagingJPG, finalJPG); err != nil {
			_ = os.Remove(stagingWebP)
			return err
		}
		if err := p.store.Promote(stagingWebP, finalWebP); err != nil {
			return err
		}

		metrics.VariantsWritten.WithLabelValues(airportID, "jpg").Inc()
		metrics.VariantsWritten.WithLabelValues(airportID, "webp").Inc()
		published = append(published, variantSet{size: size, paths: map[string]string{
			"jpg":  finalJPG,
			"webp": finalWebP,
		}})
		return nil
	}

	if err := publish(store.SizeOriginal, data); err != nil {
		return false, "", err
	}

	for _, h := range cam.Heights() {
		if h > originalHeight {
			continue // Never upscale
		}
		resized := imaging.Resize(img, 0, h, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
			logger.Error("variant encode failed",
				"airport", airportID, "cam", camIndex, "height", h, "error", err)
			continue
		}
		if err := publish(strconv.Itoa(h), buf.Bytes()); err != nil {
			logger.Error("variant publish failed",
				"airport", airportID, "cam", camIndex, "height", h, "error", err)
		}
	}

	manifest := store.Manifest{
		Timestamp: ts.Unix(),
		Variants:  map[string]map[string]string{},
	}
	for _, v := range published {
		manifest.Variants[v.size] = v.paths
	}
	if err := p.store.SaveManifest(airportID, camIndex, ts, manifest); err != nil {
		logger.Warn("manifest write failed", "airport", airportID, "cam", camIndex, "error", err)
	}

	p.rotateCurrent(airportID, camIndex, cam, originalHeight, published)

	_ = os.Remove(path)
	return true, "", nil
}

// rotateCurrent updates the current.* aliases when the privileged
// height published in all formats. Small sources whose original is
// below the privileged height track the original instead.
func (p *Pipeline) rotateCurrent(airportID string, camIndex int, cam *config.Webcam, originalHeight int, published []variantSet) {
	want := privilegedSize(cam, originalHeight)

	for _, v := range published {
		if v.size != want {
			continue
		}
		if v.paths["jpg"] == "" || v.paths["webp"] == "" {
			return
		}
		for _, ext := range []string{"jpg", "webp"} {
			if err := p.store.UpdateCurrent(airportID, camIndex, ext, v.paths[ext]); err != nil {
				logger.Error("current rotation failed",
					"airport", airportID, "cam", camIndex, "ext", ext, "error", err)
			}
		}
		return
	}
}

// privilegedSize picks which variant current.* should alias: the
// default height when the camera produces it, otherwise the largest
// configured height below the original, otherwise the original.
func privilegedSize(cam *config.Webcam, originalHeight int) string {
	best := 0
	for _, h := range cam.Heights() {
		if h > originalHeight {
			continue
		}
		if h == PrivilegedHeight {
			return strconv.Itoa(h)
		}
		if h > best {
			best = h
		}
	}
	if best == 0 {
		return store.SizeOriginal
	}
	return strconv.Itoa(best)
}

// encodeWebP shells out to ffmpeg for the WebP rendition
func encodeWebP(srcJPG, dstWebP string) error {
	cmd := exec.Command("ffmpeg",
		"-i", srcJPG,
		"-quality", webpQuality,
		"-compression_level", webpCompression,
		"-y",
		dstWebP,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg webp: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// stagingTimestamp recovers the capture time from the staging file
// name (<unix>_<pid>_incoming.jpg) when EXIF is unreadable.
func stagingTimestamp(path string, fallback time.Time) time.Time {
	base := filepath.Base(path)
	if i := strings.IndexByte(base, '_'); i > 0 {
		if secs, err := strconv.ParseInt(base[:i], 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC()
		}
	}
	return fallback
}
