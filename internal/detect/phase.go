package detect

import (
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// Phase is the daylight phase at the airport, used to pick the
// pixelation threshold. Night scenes are legitimately low-detail, so
// the gate relaxes as the sun drops.
type Phase string

const (
	PhaseDay             Phase = "day"
	PhaseCivilTwilight   Phase = "civil_twilight"
	PhaseNauticalTwilight Phase = "nautical_twilight"
	PhaseNight           Phase = "night"
)

// PhaseAt returns the daylight phase for a location at a UTC instant,
// from solar elevation: day >= -0.833 deg (refraction-corrected
// horizon), civil twilight to -6, nautical to -12, night below.
func PhaseAt(lat, lon float64, at time.Time) Phase {
	elev := sunrise.Elevation(lat, lon, at.UTC())

	switch {
	case elev >= -0.833:
		return PhaseDay
	case elev >= -6:
		return PhaseCivilTwilight
	case elev >= -12:
		return PhaseNauticalTwilight
	default:
		return PhaseNight
	}
}

// pixelationThreshold returns the minimum Laplacian variance accepted
// for the phase.
func (c Config) pixelationThreshold(p Phase) float64 {
	switch p {
	case PhaseDay:
		return c.PixelationDay
	case PhaseCivilTwilight:
		return c.PixelationCivil
	case PhaseNauticalTwilight:
		return c.PixelationNautical
	default:
		return c.PixelationNight
	}
}
