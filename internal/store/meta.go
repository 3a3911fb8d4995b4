package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// PullMeta is the per-pull-camera conditional-fetch record
type PullMeta struct {
	ETag        string `json:"etag,omitempty"`
	Checksum    string `json:"checksum,omitempty"` // SHA-256 hex of the last body
	LastFetched int64  `json:"last_fetched,omitempty"`
}

// PullMetaPath returns the pull_meta.json path for a camera
func (s *Store) PullMetaPath(airport string, cam int) string {
	return filepath.Join(s.CamDir(airport, cam), "pull_meta.json")
}

// LoadPullMeta reads the conditional-fetch record; a missing or
// unreadable file yields an empty record (the fetch just runs
// unconditionally).
func (s *Store) LoadPullMeta(airport string, cam int) PullMeta {
	var meta PullMeta
	data, err := os.ReadFile(s.PullMetaPath(airport, cam))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return PullMeta{}
	}
	return meta
}

// SavePullMeta persists the conditional-fetch record atomically
func (s *Store) SavePullMeta(airport string, cam int, meta PullMeta) error {
	if err := os.MkdirAll(s.CamDir(airport, cam), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.PullMetaPath(airport, cam), data, 0644)
}

// Manifest records the published variant matrix for one capture
type Manifest struct {
	Timestamp int64                        `json:"timestamp"`
	Variants  map[string]map[string]string `json:"variants"` // size -> format -> path
}

// ManifestPath returns the manifest path for a capture timestamp
func (s *Store) ManifestPath(airport string, cam int, ts time.Time) string {
	utc := ts.UTC()
	return filepath.Join(
		s.CamDir(airport, cam),
		utc.Format("20060102"),
		utc.Format("15"),
		fmt.Sprintf("%d_manifest.json", utc.Unix()),
	)
}

// SaveManifest persists the variant manifest atomically
func (s *Store) SaveManifest(airport string, cam int, ts time.Time, m Manifest) error {
	path := s.ManifestPath(airport, cam, ts)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, data, 0644)
}

// Quarantine archives a rejected artifact with a plain-text diagnostic
// log. Collisions on the same second get numeric suffixes.
func (s *Store) Quarantine(airport string, cam int, ts time.Time, ext string, imageData []byte, diagnostic string) (string, error) {
	dir := filepath.Join(s.CamDir(airport, cam), "rejections")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create rejections dir: %w", err)
	}

	base := fmt.Sprintf("%d_rejected", ts.UTC().Unix())
	name := base
	for n := 1; ; n++ {
		if _, err := os.Stat(filepath.Join(dir, name+"."+ext)); os.IsNotExist(err) {
			break
		}
		name = fmt.Sprintf("%s.%d", base, n)
	}

	imgPath := filepath.Join(dir, name+"."+ext)
	if err := os.WriteFile(imgPath, imageData, 0644); err != nil {
		return "", fmt.Errorf("write quarantined image: %w", err)
	}

	log := fmt.Sprintf("rejected_at: %s\n%s\n", s.now().UTC().Format(time.RFC3339), diagnostic)
	if err := os.WriteFile(filepath.Join(dir, name+".log"), []byte(log), 0644); err != nil {
		return imgPath, fmt.Errorf("write rejection log: %w", err)
	}

	return imgPath, nil
}

// QuarantineFile archives a rejected file from disk (push uploads)
func (s *Store) QuarantineFile(airport string, cam int, ts time.Time, srcPath, diagnostic string) (string, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("read rejected file: %w", err)
	}
	ext := filepath.Ext(srcPath)
	if len(ext) > 1 {
		ext = ext[1:]
	} else {
		ext = "bin"
	}
	path, qerr := s.Quarantine(airport, cam, ts, ext, data, diagnostic)
	_ = os.Remove(srcPath)
	return path, qerr
}

// Prune removes variants, manifests, and originals older than the
// retention window, then drops empty hour/day directories. Returns
// the number of files removed.
func (s *Store) Prune(airport string, cam int, retention time.Duration) (int, error) {
	camDir := s.CamDir(airport, cam)
	cutoff := s.now().Add(-retention)
	removed := 0

	days, err := os.ReadDir(camDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	for _, day := range days {
		if !day.IsDir() || !isDayDir(day.Name()) {
			continue
		}
		dayPath := filepath.Join(camDir, day.Name())

		hours, err := os.ReadDir(dayPath)
		if err != nil {
			continue
		}
		for _, hour := range hours {
			if !hour.IsDir() {
				continue
			}
			hourPath := filepath.Join(dayPath, hour.Name())
			files, err := os.ReadDir(hourPath)
			if err != nil {
				continue
			}
			for _, f := range files {
				info, err := f.Info()
				if err != nil || info.ModTime().After(cutoff) {
					continue
				}
				if os.Remove(filepath.Join(hourPath, f.Name())) == nil {
					removed++
				}
			}
			_ = os.Remove(hourPath) // Succeeds only when empty
		}
		_ = os.Remove(dayPath)
	}

	return removed, nil
}

// PruneWeather removes weather payloads past their retention window
func (s *Store) PruneWeather(retention time.Duration) (int, error) {
	root := filepath.Join(s.root, "weather")
	cutoff := s.now().Add(-retention)
	removed := 0

	airports, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	for _, a := range airports {
		if !a.IsDir() {
			continue
		}
		dir := filepath.Join(root, a.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			info, err := f.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if os.Remove(filepath.Join(dir, f.Name())) == nil {
				removed++
			}
		}
	}

	return removed, nil
}

// isDayDir matches YYYYMMDD bucket names
func isDayDir(name string) bool {
	if len(name) != 8 {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
