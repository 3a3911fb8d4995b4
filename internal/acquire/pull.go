package acquire

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"

	"github.com/airfieldwx/airfieldwx/internal/backoff"
	"github.com/airfieldwx/airfieldwx/internal/exif"
	"github.com/airfieldwx/airfieldwx/internal/logger"
)

// Image format signatures
var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47}
)

func isJPEGData(data []byte) bool {
	return bytes.HasPrefix(data, jpegMagic)
}

func isPNGData(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic)
}

// normalizeBody enforces the format-signature gate and transcodes PNG
// bodies to JPEG. Anything that is neither JPEG nor PNG is rejected
// before a decoder ever sees it.
func normalizeBody(data []byte) ([]byte, error) {
	switch {
	case isJPEGData(data):
		return data, nil
	case isPNGData(data):
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode png: %w", err)
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(PNGTranscodeQuality)); err != nil {
			return nil, fmt.Errorf("transcode png: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("format_signature: body is neither JPEG nor PNG")
	}
}

// stageFrame runs the shared pull tail: decode, error-frame detection,
// EXIF ensure + validate, and the atomic staging write. The returned
// path is ready for the processing pipeline; a detector rejection is a
// transient failure so a camera serving error frames trips the circuit.
func stageFrame(target Target, deps Deps, data []byte, kind string) Result {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Failure(kind, fmt.Sprintf("decode_failure: %v", err), backoff.SeverityTransient)
	}

	now := time.Now().UTC()

	if deps.Detector != nil {
		res := deps.Detector.Check(img, target.Airport.Lat, target.Airport.Lon, now)
		if res.IsError {
			reason := strings.Join(res.Reasons, ",")
			diagnostic := fmt.Sprintf("source: %s pull\nreason: %s\nfetched: %s",
				kind, reason, now.Format(time.RFC3339))
			if _, qerr := deps.Store.Quarantine(target.AirportID, target.CamIndex, now, "jpg", data, diagnostic); qerr != nil {
				logger.Warn("quarantine failed",
					"airport", target.AirportID,
					"cam", target.CamIndex,
					"error", qerr)
			}
			return Failure(kind, reason, backoff.SeverityTransient)
		}
	}

	loc, err := target.Airport.Location()
	if err != nil {
		return Failure(kind, fmt.Sprintf("bad_timezone: %v", err), backoff.SeverityPermanent)
	}

	context := fmt.Sprintf("%s/cam%d", target.AirportID, target.CamIndex)

	stamped, captureTime, err := exif.Ensure(data, "", now, loc, context)
	if err != nil {
		return Failure(kind, fmt.Sprintf("exif_ensure: %v", err), backoff.SeverityTransient)
	}

	if v := exif.ValidateTimestamp(stamped, now); !v.Valid {
		return Failure(kind, "exif_"+v.Reason, backoff.SeverityTransient)
	}

	staging := deps.Store.IncomingPath(target.AirportID, target.CamIndex, captureTime)
	if err := os.MkdirAll(filepath.Dir(staging), 0755); err != nil {
		return Failure(kind, fmt.Sprintf("staging_dir: %v", err), backoff.SeverityTransient)
	}
	if err := renameio.WriteFile(staging, stamped, 0644); err != nil {
		return Failure(kind, fmt.Sprintf("staging_write: %v", err), backoff.SeverityTransient)
	}

	result := Success(staging, captureTime, kind)
	result.Meta = map[string]interface{}{
		"prevalidated": true,
	}
	if deps.Clock != nil {
		result.Meta["time_confidence"] = string(deps.Clock.Confidence())
	}
	return result
}
