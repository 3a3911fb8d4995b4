// Package detect applies image-content quality gates to acquired
// webcam frames. All gates fail closed: a rejected frame is
// quarantined, never repaired or delivered.
package detect

import (
	"fmt"
	"image"
	"time"
)

// Config holds the detector thresholds. The defaults match long-field
// experience with Blue Iris and similar NVR error frames; they are
// configuration, not constants, so deployments can tune them.
type Config struct {
	MinWidth  int // Reject below, default 100
	MinHeight int // Reject below, default 100

	UniformSamples  int     // Grid sample count for the uniform gate, default 50
	UniformVariance float64 // Max per-channel/brightness variance, default 25

	PixelationGrid    int     // Laplacian sample grid, default 20
	PixelationDay     float64 // Default 15
	PixelationCivil   float64 // Default 10
	PixelationNautical float64 // Default 5
	PixelationNight   float64 // Default 2

	BorderDepthRatio   float64 // Border strip depth, default 0.05
	BorderAcceptVariance float64 // Early accept above, default 500
	GreySpread         float64 // Max R/G/B spread for "grey", default 30
	GreyBrightness     float64 // Max brightness for "grey", default 120
}

// DefaultConfig returns the default detector thresholds
func DefaultConfig() Config {
	return Config{
		MinWidth:             100,
		MinHeight:            100,
		UniformSamples:       50,
		UniformVariance:      25,
		PixelationGrid:       20,
		PixelationDay:        15,
		PixelationCivil:      10,
		PixelationNautical:   5,
		PixelationNight:      2,
		BorderDepthRatio:     0.05,
		BorderAcceptVariance: 500,
		GreySpread:           30,
		GreyBrightness:       120,
	}
}

// Result aggregates the gate outcomes for one frame
type Result struct {
	IsError    bool
	Confidence float64 // 0..1
	ErrorScore float64 // Border-heuristic score, 0..1
	Reasons    []string
}

// Detector runs the quality gates
type Detector struct {
	cfg Config
}

// New creates a detector with the given thresholds
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Check runs the gates in order against a decoded frame. The first
// definitive gate (dimensions, uniform color, pixelation) wins; the
// border heuristic is scored because legitimate night scenes can
// approximate an NVR error frame.
func (d *Detector) Check(img image.Image, lat, lon float64, at time.Time) Result {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w < d.cfg.MinWidth || h < d.cfg.MinHeight {
		return Result{
			IsError:    true,
			Confidence: 1,
			Reasons:    []string{fmt.Sprintf("too_small:%dx%d", w, h)},
		}
	}

	if reason, uniform := d.checkUniform(img); uniform {
		return Result{
			IsError:    true,
			Confidence: 1,
			Reasons:    []string{reason},
		}
	}

	phase := PhaseAt(lat, lon, at)
	variance := d.laplacianVariance(img)
	if threshold := d.cfg.pixelationThreshold(phase); variance < threshold {
		return Result{
			IsError:    true,
			Confidence: 1,
			Reasons: []string{fmt.Sprintf("pixelation:variance=%.2f threshold=%.0f phase=%s",
				variance, threshold, phase)},
		}
	}

	if score, reasons := d.checkErrorBorder(img); score > 0.5 {
		return Result{
			IsError:    true,
			Confidence: score,
			ErrorScore: score,
			Reasons:    reasons,
		}
	} else if score > 0 {
		return Result{ErrorScore: score, Reasons: reasons}
	}

	return Result{}
}

// checkUniform samples pixels on a grid and rejects frames whose color
// channels barely vary: a dead feed renders solid black, a failed
// exposure solid white, an NVR placeholder solid grey.
func (d *Detector) checkUniform(img image.Image) (string, bool) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	side := gridSide(d.cfg.UniformSamples)
	var rs, gs, bs, ys []float64

	for gy := 0; gy < side; gy++ {
		for gx := 0; gx < side; gx++ {
			x := bounds.Min.X + (gx*2+1)*w/(side*2)
			y := bounds.Min.Y + (gy*2+1)*h/(side*2)
			r, g, b := rgb8(img, x, y)
			rs = append(rs, r)
			gs = append(gs, g)
			bs = append(bs, b)
			ys = append(ys, brightness(r, g, b))
		}
	}

	maxVar := variance(rs)
	if v := variance(gs); v > maxVar {
		maxVar = v
	}
	if v := variance(bs); v > maxVar {
		maxVar = v
	}
	if v := variance(ys); v > maxVar {
		maxVar = v
	}

	if maxVar >= d.cfg.UniformVariance {
		return "", false
	}

	meanR, meanG, meanB := mean(rs), mean(gs), mean(bs)
	meanY := brightness(meanR, meanG, meanB)
	spread := spread3(meanR, meanG, meanB)

	switch {
	case meanY < 30:
		return "solid_black", true
	case meanY > 225:
		return "solid_white", true
	case spread < d.cfg.GreySpread:
		return "solid_grey", true
	default:
		return "solid_color", true
	}
}

// laplacianVariance measures detail with a 4-neighbor Laplacian
// |4C - (N+S+E+W)| sampled on a grid. Heavily pixelated or decoder-
// corrupted frames have near-zero response.
func (d *Detector) laplacianVariance(img image.Image) float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	grid := d.cfg.PixelationGrid

	var responses []float64
	for gy := 1; gy < grid-1; gy++ {
		for gx := 1; gx < grid-1; gx++ {
			x := bounds.Min.X + gx*w/grid
			y := bounds.Min.Y + gy*h/grid
			c := luma(img, x, y)
			n := luma(img, x, y-1)
			s := luma(img, x, y+1)
			e := luma(img, x+1, y)
			wl := luma(img, x-1, y)

			resp := 4*c - (n + s + e + wl)
			if resp < 0 {
				resp = -resp
			}
			responses = append(responses, resp)
		}
	}

	return variance(responses)
}

// checkErrorBorder samples strips on all four borders. Blue Iris error
// frames show a flat dark-grey border with white overlay text; a real
// scene almost always has border detail.
func (d *Detector) checkErrorBorder(img image.Image) (float64, []string) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	depthX := int(float64(w) * d.cfg.BorderDepthRatio)
	depthY := int(float64(h) * d.cfg.BorderDepthRatio)
	if depthX < 1 {
		depthX = 1
	}
	if depthY < 1 {
		depthY = 1
	}

	var ys []float64
	greyCount, whiteText, total := 0, 0, 0

	sample := func(x, y int) {
		r, g, b := rgb8(img, bounds.Min.X+x, bounds.Min.Y+y)
		yv := brightness(r, g, b)
		ys = append(ys, yv)
		total++
		if spread3(r, g, b) < d.cfg.GreySpread && yv < d.cfg.GreyBrightness {
			greyCount++
		}
		if yv > 200 {
			whiteText++
		}
	}

	step := w / 64
	if step < 1 {
		step = 1
	}
	for x := 0; x < w; x += step {
		for dy := 0; dy < depthY; dy += maxInt(depthY/4, 1) {
			sample(x, dy)        // Top
			sample(x, h-1-dy)    // Bottom
		}
	}
	stepY := h / 64
	if stepY < 1 {
		stepY = 1
	}
	for y := 0; y < h; y += stepY {
		for dx := 0; dx < depthX; dx += maxInt(depthX/4, 1) {
			sample(dx, y)       // Left
			sample(w-1-dx, y)   // Right
		}
	}

	borderVar := variance(ys)
	if borderVar > d.cfg.BorderAcceptVariance {
		return 0, nil
	}

	greyRatio := float64(greyCount) / float64(total)
	textRatio := float64(whiteText) / float64(total)

	score := 0.0
	var reasons []string
	if greyRatio > 0.6 {
		score += 0.4
		reasons = append(reasons, fmt.Sprintf("border_grey_ratio:%.2f", greyRatio))
	}
	if textRatio > 0.02 && textRatio < 0.3 {
		score += 0.3
		reasons = append(reasons, fmt.Sprintf("border_text_ratio:%.2f", textRatio))
	}
	if borderVar < d.cfg.BorderAcceptVariance/5 {
		score += 0.3
		reasons = append(reasons, fmt.Sprintf("border_variance:%.1f", borderVar))
	}

	if score > 0 {
		reasons = append([]string{"error_border"}, reasons...)
	}
	return score, reasons
}

// Helpers

func gridSide(samples int) int {
	side := 1
	for side*side < samples {
		side++
	}
	return side
}

func rgb8(img image.Image, x, y int) (float64, float64, float64) {
	r, g, b, _ := img.At(x, y).RGBA()
	return float64(r >> 8), float64(g >> 8), float64(b >> 8)
}

func luma(img image.Image, x, y int) float64 {
	r, g, b := rgb8(img, x, y)
	return brightness(r, g, b)
}

func brightness(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

func spread3(r, g, b float64) float64 {
	minV, maxV := r, r
	for _, v := range []float64{g, b} {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return maxV - minV
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
