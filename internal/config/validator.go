package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	airportIDPattern = regexp.MustCompile(`^[a-z0-9]{3,4}$`)
	icaoPattern      = regexp.MustCompile(`^[A-Z0-9]{3,4}$`)
)

// Validate validates the configuration
func Validate(c *File) error {
	if len(c.Airports) == 0 {
		return fmt.Errorf("at least one airport is required")
	}

	// Push usernames must be globally unique across the fleet
	pushUsers := make(map[string]string)

	for id, airport := range c.Airports {
		if !airportIDPattern.MatchString(id) {
			return fmt.Errorf("airport %q: id must match [a-z0-9]{3,4}", id)
		}
		if err := validateAirport(id, &airport); err != nil {
			return err
		}
		for i := range airport.Webcams {
			cam := &airport.Webcams[i]
			if err := validateWebcam(id, i, cam); err != nil {
				return err
			}
			if cam.PushConfig != nil {
				user := cam.PushConfig.Username
				if prev, dup := pushUsers[user]; dup {
					return fmt.Errorf("airport %q webcam[%d]: push username %q already used by airport %q", id, i, user, prev)
				}
				pushUsers[user] = id
			}
		}
	}

	return nil
}

func validateAirport(id string, a *Airport) error {
	if a.Name == "" {
		return fmt.Errorf("airport %q: name is required", id)
	}
	if !icaoPattern.MatchString(a.ICAO) {
		return fmt.Errorf("airport %q: icao must be 3-4 uppercase characters", id)
	}
	if a.Lat < -90 || a.Lat > 90 {
		return fmt.Errorf("airport %q: lat out of range: %f", id, a.Lat)
	}
	if a.Lon < -180 || a.Lon > 180 {
		return fmt.Errorf("airport %q: lon out of range: %f", id, a.Lon)
	}
	if a.ElevationFt < 0 {
		return fmt.Errorf("airport %q: elevation_ft must be >= 0", id)
	}
	if a.Timezone != "" {
		if _, err := time.LoadLocation(a.Timezone); err != nil {
			return fmt.Errorf("airport %q: invalid timezone %q: %w", id, a.Timezone, err)
		}
	}

	backups := 0
	for i := range a.WeatherSources {
		src := &a.WeatherSources[i]
		if src.Type == "" {
			return fmt.Errorf("airport %q weather_sources[%d]: type is required", id, i)
		}
		if src.Backup {
			backups++
		}
	}
	if backups > 1 {
		return fmt.Errorf("airport %q: at most one backup weather source is allowed", id)
	}
	if backups == 1 && a.Primary() == nil {
		return fmt.Errorf("airport %q: backup weather source requires a primary", id)
	}

	return nil
}

func validateWebcam(airportID string, index int, cam *Webcam) error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("airport %q webcam[%d]: %s", airportID, index, fmt.Sprintf(format, args...))
	}

	if cam.Name == "" {
		return fail("name is required")
	}

	switch cam.Kind() {
	case "static_jpeg", "static_png", "mjpeg", "aviationwx_api":
		if cam.URL == "" {
			return fail("url is required for type %s", cam.Kind())
		}
		if !strings.HasPrefix(cam.URL, "http://") && !strings.HasPrefix(cam.URL, "https://") {
			return fail("url must be http or https")
		}
	case "rtsp":
		if cam.URL == "" {
			return fail("url is required for type rtsp")
		}
		if !strings.HasPrefix(cam.URL, "rtsp://") && !strings.HasPrefix(cam.URL, "rtsps://") {
			return fail("url must be rtsp or rtsps")
		}
		if cam.RTSPTransport != "" && cam.RTSPTransport != "tcp" && cam.RTSPTransport != "udp" {
			return fail("rtsp_transport must be tcp or udp")
		}
	case "onvif":
		if cam.ONVIF == nil || cam.ONVIF.Endpoint == "" {
			return fail("onvif.endpoint is required for type onvif")
		}
	case "push":
		p := cam.PushConfig
		if p == nil {
			return fail("push_config is required for type push")
		}
		if p.Username == "" {
			return fail("push_config.username is required")
		}
		switch p.Protocol {
		case "ftp", "sftp", "both":
		default:
			return fail("push_config.protocol must be ftp, sftp, or both")
		}
		if p.MaxFileSizeMB < 1 {
			return fail("push_config.max_file_size_mb must be >= 1")
		}
	default:
		return fail("unsupported webcam type: %s", cam.Kind())
	}

	if cam.Auth != nil {
		switch cam.Auth.Type {
		case "basic", "digest":
			if cam.Auth.Username == "" || cam.Auth.Password == "" {
				return fail("auth requires username and password")
			}
		case "bearer":
			if cam.Auth.Token == "" {
				return fail("bearer auth requires token")
			}
		default:
			return fail("unsupported auth type: %s", cam.Auth.Type)
		}
	}

	for _, h := range cam.VariantHeights {
		if h < 16 || h > 4320 {
			return fail("variant height out of range: %d", h)
		}
	}

	if cam.RefreshSeconds < 0 {
		return fail("refresh_seconds must be >= 0")
	}

	return nil
}
