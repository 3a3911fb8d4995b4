// Package config loads and validates the airport fleet configuration.
package config

// File represents the root configuration structure (airports.json)
type File struct {
	Global   *Global            `json:"config,omitempty"`  // Global settings
	Airports map[string]Airport `json:"airports"`          // Keyed by airport ID
}

// Global represents daemon-wide settings and staleness defaults
type Global struct {
	DataDir    string `json:"data_dir,omitempty"`    // Default: "./data"
	ListenAddr string `json:"listen_addr,omitempty"` // Status server, default ":8094"

	// Refresh cadence defaults (per-airport and per-webcam overrides apply)
	WebcamRefreshSeconds  int `json:"webcam_refresh_seconds,omitempty"`  // Default: 300
	WeatherRefreshSeconds int `json:"weather_refresh_seconds,omitempty"` // Default: 300

	// Staleness tiers (general; METAR has its own in staleness package)
	StaleWarningSeconds    int `json:"stale_warning_seconds,omitempty"`    // Default: 600
	StaleErrorSeconds      int `json:"stale_error_seconds,omitempty"`      // Default: 3600
	StaleFailclosedSeconds int `json:"stale_failclosed_seconds,omitempty"` // Default: 10800

	// Retention windows
	WebcamRetentionHours  int `json:"webcam_retention_hours,omitempty"`  // Default: 48
	WeatherRetentionHours int `json:"weather_retention_hours,omitempty"` // Default: 168

	// Worker pools
	MaxWebcamWorkers     int `json:"max_webcam_workers,omitempty"`     // Default: 4
	MaxWeatherWorkers    int `json:"max_weather_workers,omitempty"`    // Default: 2
	WorkerTimeoutSeconds int `json:"worker_timeout_seconds,omitempty"` // Default: 120

	// Outbound HTTP timeouts
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds,omitempty"` // Default: 10
	RequestTimeoutSeconds int `json:"request_timeout_seconds,omitempty"` // Default: 30
}

// Airport represents one airport's configuration
type Airport struct {
	Name        string  `json:"name"`
	ICAO        string  `json:"icao"` // 3-4 uppercase
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Timezone    string  `json:"timezone,omitempty"` // IANA, default UTC
	ElevationFt int     `json:"elevation_ft,omitempty"`

	WebcamRefreshSeconds  int `json:"webcam_refresh_seconds,omitempty"`
	WeatherRefreshSeconds int `json:"weather_refresh_seconds,omitempty"`

	StaleWarningSeconds    int `json:"stale_warning_seconds,omitempty"`
	StaleErrorSeconds      int `json:"stale_error_seconds,omitempty"`
	StaleFailclosedSeconds int `json:"stale_failclosed_seconds,omitempty"`

	Webcams        []Webcam        `json:"webcams"`
	WeatherSources []WeatherSource `json:"weather_sources"`
}

// Webcam represents one camera attached to an airport
type Webcam struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`

	// Type is one of: mjpeg, static_jpeg, static_png, rtsp, push,
	// aviationwx_api (federated), onvif. Default: static_jpeg.
	Type string `json:"type,omitempty"`

	RTSPTransport  string `json:"rtsp_transport,omitempty"` // tcp, udp
	RefreshSeconds int    `json:"refresh_seconds,omitempty"`

	// VariantHeights lists the published downscale heights.
	// Default: 1080, 720, 360.
	VariantHeights []int `json:"variant_heights,omitempty"`

	Auth *Auth  `json:"auth,omitempty"`
	ONVIF *ONVIF `json:"onvif,omitempty"`

	PushConfig *Push `json:"push_config,omitempty"` // Required for type=push
}

// Auth represents HTTP authentication for pull camera access
type Auth struct {
	Type     string `json:"type"` // "basic", "digest", "bearer"
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"` // For bearer auth
}

// ONVIF represents ONVIF camera settings
type ONVIF struct {
	Endpoint     string `json:"endpoint"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	ProfileToken string `json:"profile_token,omitempty"`
}

// Push represents push-upload (FTP/SFTP inbox) settings for a camera.
// Usernames are globally unique across the whole fleet; the inbox
// directory layout is derived from the username.
type Push struct {
	Protocol          string   `json:"protocol"` // "ftp", "sftp", "both"
	Username          string   `json:"username"`
	Password          string   `json:"password,omitempty"`
	MaxFileSizeMB     int      `json:"max_file_size_mb,omitempty"`    // Default: 10
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`  // Default: jpg, jpeg, png, webp
	MaxFileAgeSeconds int      `json:"max_file_age_seconds,omitempty"` // Default: 3600

	// Remote, when set, scans the inbox over SFTP instead of the
	// local filesystem (upload server on another host).
	Remote *SFTPRemote `json:"remote,omitempty"`
}

// SFTPRemote represents a remote SFTP inbox location. KnownHostsPath
// enables host key verification; an empty path skips it.
type SFTPRemote struct {
	Host           string `json:"host"`
	Port           int    `json:"port,omitempty"` // Default: 22
	Username       string `json:"username"`
	Password       string `json:"password"`
	BasePath       string `json:"base_path,omitempty"`
	KnownHostsPath string `json:"known_hosts_path,omitempty"`
}

// WeatherSource represents one weather data provider for an airport.
// The first non-backup source is the primary; at most one source may
// declare backup.
type WeatherSource struct {
	Type           string `json:"type"` // Provider identifier, e.g. "metar", "tempest"
	URL            string `json:"url,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	StationID      string `json:"station_id,omitempty"`
	Backup         bool   `json:"backup,omitempty"`
	RefreshSeconds int    `json:"refresh_seconds,omitempty"`
}

// RefreshBounds clamp every configured cadence.
const (
	MinRefreshSeconds = 30
	MaxRefreshSeconds = 3600
)

// DefaultVariantHeights returns the published heights used when a
// webcam does not override them.
func DefaultVariantHeights() []int {
	return []int{1080, 720, 360}
}

// EffectiveWebcamRefresh returns the refresh cadence for a webcam,
// clamped to the allowed bounds.
func (a *Airport) EffectiveWebcamRefresh(cam *Webcam, global *Global) int {
	secs := 0
	switch {
	case cam != nil && cam.RefreshSeconds > 0:
		secs = cam.RefreshSeconds
	case a.WebcamRefreshSeconds > 0:
		secs = a.WebcamRefreshSeconds
	case global != nil && global.WebcamRefreshSeconds > 0:
		secs = global.WebcamRefreshSeconds
	default:
		secs = 300
	}
	return clampRefresh(secs)
}

// EffectiveWeatherRefresh returns the refresh cadence for a weather source
func (a *Airport) EffectiveWeatherRefresh(src *WeatherSource, global *Global) int {
	secs := 0
	switch {
	case src != nil && src.RefreshSeconds > 0:
		secs = src.RefreshSeconds
	case a.WeatherRefreshSeconds > 0:
		secs = a.WeatherRefreshSeconds
	case global != nil && global.WeatherRefreshSeconds > 0:
		secs = global.WeatherRefreshSeconds
	default:
		secs = 300
	}
	return clampRefresh(secs)
}

func clampRefresh(secs int) int {
	if secs < MinRefreshSeconds {
		return MinRefreshSeconds
	}
	if secs > MaxRefreshSeconds {
		return MaxRefreshSeconds
	}
	return secs
}

// Heights returns the webcam's variant heights, defaulted
func (w *Webcam) Heights() []int {
	if len(w.VariantHeights) == 0 {
		return DefaultVariantHeights()
	}
	return w.VariantHeights
}

// Kind returns the webcam type, defaulted to static_jpeg
func (w *Webcam) Kind() string {
	if w.Type == "" {
		return "static_jpeg"
	}
	return w.Type
}

// IsPush reports whether the webcam is a push (upload) source
func (w *Webcam) IsPush() bool {
	return w.Kind() == "push"
}

// Primary returns the airport's primary weather source, or nil
func (a *Airport) Primary() *WeatherSource {
	for i := range a.WeatherSources {
		if !a.WeatherSources[i].Backup {
			return &a.WeatherSources[i]
		}
	}
	return nil
}

// Backup returns the airport's backup weather source, or nil
func (a *Airport) Backup() *WeatherSource {
	for i := range a.WeatherSources {
		if a.WeatherSources[i].Backup {
			return &a.WeatherSources[i]
		}
	}
	return nil
}
