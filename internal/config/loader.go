package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load loads configuration from the specified file path
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg File
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Path returns the configuration path from CONFIG_PATH, defaulted
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "airports.json"
}

// applyDefaults sets default values for optional fields
func applyDefaults(c *File) {
	if c.Global == nil {
		c.Global = &Global{}
	}
	g := c.Global

	if g.DataDir == "" {
		g.DataDir = "./data"
	}
	if g.ListenAddr == "" {
		g.ListenAddr = ":8094"
	}
	if g.WebcamRefreshSeconds == 0 {
		g.WebcamRefreshSeconds = 300
	}
	if g.WeatherRefreshSeconds == 0 {
		g.WeatherRefreshSeconds = 300
	}
	if g.StaleWarningSeconds == 0 {
		g.StaleWarningSeconds = 600
	}
	if g.StaleErrorSeconds == 0 {
		g.StaleErrorSeconds = 3600
	}
	if g.StaleFailclosedSeconds == 0 {
		g.StaleFailclosedSeconds = 10800
	}
	if g.WebcamRetentionHours == 0 {
		g.WebcamRetentionHours = 48
	}
	if g.WeatherRetentionHours == 0 {
		g.WeatherRetentionHours = 168
	}
	if g.MaxWebcamWorkers == 0 {
		g.MaxWebcamWorkers = 4
	}
	if g.MaxWeatherWorkers == 0 {
		g.MaxWeatherWorkers = 2
	}
	if g.WorkerTimeoutSeconds == 0 {
		g.WorkerTimeoutSeconds = 120
	}
	if g.ConnectTimeoutSeconds == 0 {
		g.ConnectTimeoutSeconds = 10
	}
	if g.RequestTimeoutSeconds == 0 {
		g.RequestTimeoutSeconds = 30
	}

	for id, airport := range c.Airports {
		for i := range airport.Webcams {
			cam := &airport.Webcams[i]
			if cam.Type == "" {
				cam.Type = "static_jpeg"
			}
			if cam.PushConfig != nil {
				applyPushDefaults(cam.PushConfig)
			}
		}
		c.Airports[id] = airport
	}
}

func applyPushDefaults(p *Push) {
	if p.Protocol == "" {
		p.Protocol = "both"
	}
	if p.MaxFileSizeMB == 0 {
		p.MaxFileSizeMB = 10
	}
	if len(p.AllowedExtensions) == 0 {
		p.AllowedExtensions = []string{"jpg", "jpeg", "png", "webp"}
	}
	if p.MaxFileAgeSeconds == 0 {
		p.MaxFileAgeSeconds = 3600
	}
	if p.Remote != nil && p.Remote.Port == 0 {
		p.Remote.Port = 22
	}
}
