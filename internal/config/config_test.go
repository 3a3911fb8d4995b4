package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `{
  "airports": {
    "kspb": {
      "name": "Scappoose Industrial Airpark",
      "icao": "KSPB",
      "lat": 45.771,
      "lon": -122.862,
      "webcams": [
        {"name": "north", "url": "https://cam.example.com/north.jpg"}
      ],
      "weather_sources": [
        {"type": "metar", "url": "https://wx.example.com/kspb"}
      ]
    }
  }
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "airports.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	g := cfg.Global
	if g == nil {
		t.Fatal("Global nil after defaults")
	}
	if g.WebcamRefreshSeconds != 300 || g.WorkerTimeoutSeconds != 120 {
		t.Errorf("defaults = %+v", g)
	}
	if g.ListenAddr != ":8094" || g.DataDir != "./data" {
		t.Errorf("defaults = %+v", g)
	}

	cam := cfg.Airports["kspb"].Webcams[0]
	if cam.Kind() != "static_jpeg" {
		t.Errorf("default webcam type = %q", cam.Kind())
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*File)
		wantErr string
	}{
		{
			"no airports",
			func(c *File) { c.Airports = nil },
			"at least one airport",
		},
		{
			"bad airport id",
			func(c *File) { c.Airports["TOOLONGID"] = c.Airports["kspb"] },
			"id must match",
		},
		{
			"bad icao",
			func(c *File) {
				a := c.Airports["kspb"]
				a.ICAO = "kspb"
				c.Airports["kspb"] = a
			},
			"icao must be",
		},
		{
			"lat out of range",
			func(c *File) {
				a := c.Airports["kspb"]
				a.Lat = 91
				c.Airports["kspb"] = a
			},
			"lat out of range",
		},
		{
			"webcam without url",
			func(c *File) {
				a := c.Airports["kspb"]
				a.Webcams[0].URL = ""
				c.Airports["kspb"] = a
			},
			"url is required",
		},
		{
			"rtsp url scheme",
			func(c *File) {
				a := c.Airports["kspb"]
				a.Webcams[0].Type = "rtsp"
				a.Webcams[0].URL = "https://not-rtsp.example.com"
				c.Airports["kspb"] = a
			},
			"url must be rtsp",
		},
		{
			"two backups",
			func(c *File) {
				a := c.Airports["kspb"]
				a.WeatherSources = append(a.WeatherSources,
					WeatherSource{Type: "tempest", Backup: true},
					WeatherSource{Type: "ambient", Backup: true})
				c.Airports["kspb"] = a
			},
			"at most one backup",
		},
		{
			"backup without primary",
			func(c *File) {
				a := c.Airports["kspb"]
				a.WeatherSources = []WeatherSource{{Type: "metar", Backup: true}}
				c.Airports["kspb"] = a
			},
			"requires a primary",
		},
		{
			"push without username",
			func(c *File) {
				a := c.Airports["kspb"]
				a.Webcams[0].Type = "push"
				a.Webcams[0].PushConfig = &Push{Protocol: "sftp", MaxFileSizeMB: 10}
				c.Airports["kspb"] = a
			},
			"username is required",
		},
		{
			"variant height out of range",
			func(c *File) {
				a := c.Airports["kspb"]
				a.Webcams[0].VariantHeights = []int{8}
				c.Airports["kspb"] = a
			},
			"variant height out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicatePushUsernames(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	push := func() *Webcam {
		return &Webcam{
			Name: "upload",
			Type: "push",
			PushConfig: &Push{
				Protocol: "sftp", Username: "shared", MaxFileSizeMB: 10,
				AllowedExtensions: []string{"jpg"}, MaxFileAgeSeconds: 3600,
			},
		}
	}

	a := cfg.Airports["kspb"]
	a.Webcams = append(a.Webcams, *push())
	cfg.Airports["kspb"] = a
	cfg.Airports["kuao"] = Airport{
		Name: "Aurora State", ICAO: "KUAO", Lat: 45.247, Lon: -122.77,
		Webcams: []Webcam{*push()},
	}

	err = Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "already used") {
		t.Errorf("err = %v, want duplicate push username rejection", err)
	}
}

func TestEffectiveRefreshClamping(t *testing.T) {
	global := &Global{WebcamRefreshSeconds: 300}

	tests := []struct {
		name    string
		airport Airport
		cam     Webcam
		want    int
	}{
		{"global default", Airport{}, Webcam{}, 300},
		{"airport override", Airport{WebcamRefreshSeconds: 120}, Webcam{}, 120},
		{"webcam override wins", Airport{WebcamRefreshSeconds: 120}, Webcam{RefreshSeconds: 60}, 60},
		{"clamped low", Airport{}, Webcam{RefreshSeconds: 5}, MinRefreshSeconds},
		{"clamped high", Airport{}, Webcam{RefreshSeconds: 86400}, MaxRefreshSeconds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.airport.EffectiveWebcamRefresh(&tt.cam, global); got != tt.want {
				t.Errorf("EffectiveWebcamRefresh = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPrimaryAndBackup(t *testing.T) {
	a := Airport{WeatherSources: []WeatherSource{
		{Type: "metar", Backup: true},
		{Type: "tempest"},
	}}

	if p := a.Primary(); p == nil || p.Type != "tempest" {
		t.Errorf("Primary = %+v", p)
	}
	if b := a.Backup(); b == nil || b.Type != "metar" {
		t.Errorf("Backup = %+v", b)
	}

	empty := Airport{}
	if empty.Primary() != nil || empty.Backup() != nil {
		t.Error("empty airport returned sources")
	}
}

func TestServiceReload(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	svc, err := NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer func() { _ = svc.Close() }()

	if len(svc.Get().Airports) != 1 {
		t.Fatalf("airports = %d", len(svc.Get().Airports))
	}

	// Replace the config with a second airport and bump the mtime
	updated := strings.Replace(minimalConfig, `"kspb": {`, `"kuao": {
      "name": "Aurora State",
      "icao": "KUAO",
      "lat": 45.247,
      "lon": -122.77,
      "webcams": [{"name": "ramp", "url": "https://cam.example.com/ramp.jpg"}],
      "weather_sources": [{"type": "metar"}]
    },
    "kspb": {`, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if !svc.CheckReload() {
		t.Fatal("CheckReload did not apply the change")
	}
	if len(svc.Get().Airports) != 2 {
		t.Errorf("airports after reload = %d", len(svc.Get().Airports))
	}

	// A broken rewrite keeps the last good snapshot
	if err := os.WriteFile(path, []byte("{broken"), 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(4 * time.Second)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}
	if svc.CheckReload() {
		t.Error("broken config reported as reloaded")
	}
	if len(svc.Get().Airports) != 2 {
		t.Error("broken reload clobbered the live config")
	}
}
