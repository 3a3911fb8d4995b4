// Package store owns the on-disk layout for acquired imagery: the
// variant/history tree, atomic promotion, the current.* alias,
// rejection quarantine, pull metadata, and retention.
//
// Layout per camera:
//
//	webcams/<airport>/<cam>/<YYYYMMDD>/<HH>/<unix>_{original|<height>}.{jpg|webp}
//	webcams/<airport>/<cam>/current.{jpg|webp}
//	webcams/<airport>/<cam>/rejections/<unix>_rejected[.N].{ext,log}
//	webcams/<airport>/<cam>/pull_meta.json
//	webcams/<airport>/<cam>/staging/
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// SizeOriginal is the size label for the unscaled artifact
const SizeOriginal = "original"

// Store resolves and maintains the camera tree under a data root
type Store struct {
	root string
	now  func() time.Time
}

// New creates a store rooted at dataDir
func New(dataDir string) *Store {
	return &Store{
		root: dataDir,
		now:  time.Now,
	}
}

// Root returns the data root directory
func (s *Store) Root() string {
	return s.root
}

// CamDir returns the camera root directory
func (s *Store) CamDir(airport string, cam int) string {
	return filepath.Join(s.root, "webcams", airport, strconv.Itoa(cam))
}

// WeatherPath returns the stored payload path for a weather source
func (s *Store) WeatherPath(airport, source string) string {
	return filepath.Join(s.root, "weather", airport, source+".json")
}

// VariantPath returns the canonical path for a published variant.
// size is SizeOriginal or a decimal height; ext is "jpg" or "webp".
func (s *Store) VariantPath(airport string, cam int, ts time.Time, size, ext string) string {
	utc := ts.UTC()
	return filepath.Join(
		s.CamDir(airport, cam),
		utc.Format("20060102"),
		utc.Format("15"),
		fmt.Sprintf("%d_%s.%s", utc.Unix(), size, ext),
	)
}

// StagingName returns the pre-promotion name for a variant. It lives
// in the same directory as the final path so the promoting rename is
// atomic, and carries the writer PID so the orphan sweeper can tell
// live work from leftovers.
func StagingName(finalPath string) string {
	return fmt.Sprintf("%s.staging.%d", finalPath, os.Getpid())
}

// IncomingDir returns the per-camera staging directory for artifacts
// that have been acquired but not yet processed.
func (s *Store) IncomingDir(airport string, cam int) string {
	return filepath.Join(s.CamDir(airport, cam), "staging")
}

// IncomingPath returns a staging path for a newly acquired artifact
func (s *Store) IncomingPath(airport string, cam int, ts time.Time) string {
	return filepath.Join(s.IncomingDir(airport, cam),
		fmt.Sprintf("%d_%d_incoming.jpg", ts.UTC().Unix(), os.Getpid()))
}

// CurrentPath returns the current.<ext> alias path for a camera
func (s *Store) CurrentPath(airport string, cam int, ext string) string {
	return filepath.Join(s.CamDir(airport, cam), "current."+ext)
}

// Promote atomically publishes a staged file at its canonical path.
// rename(2) is atomic within a filesystem, so readers see either the
// previous artifact or the new one, never a partial write.
func (s *Store) Promote(stagingPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("create variant dir: %w", err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return fmt.Errorf("promote %s: %w", filepath.Base(finalPath), err)
	}
	return nil
}

// UpdateCurrent swaps the current.<ext> alias to point at target.
// The symlink is created under a temporary name and renamed into
// place, so the alias never dangles: rotation is atomic.
func (s *Store) UpdateCurrent(airport string, cam int, ext, target string) error {
	current := s.CurrentPath(airport, cam, ext)

	rel, err := filepath.Rel(filepath.Dir(current), target)
	if err != nil {
		return fmt.Errorf("relativize current target: %w", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%d", current, s.now().UnixNano())
	if err := os.Symlink(rel, tmp); err != nil {
		return fmt.Errorf("create current symlink: %w", err)
	}
	if err := os.Rename(tmp, current); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rotate current symlink: %w", err)
	}
	return nil
}

// ResolveCurrent returns the variant file the current.<ext> alias
// points at, or an error when the camera has never been promoted.
func (s *Store) ResolveCurrent(airport string, cam int, ext string) (string, error) {
	current := s.CurrentPath(airport, cam, ext)
	target, err := os.Readlink(current)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(current), target)
	}
	return target, nil
}

// IngestIncoming moves an acquired file into the camera staging
// directory, preferring rename and falling back to copy+unlink when
// the source sits on another filesystem (push inboxes often do).
func (s *Store) IngestIncoming(srcPath, airport string, cam int, ts time.Time) (string, error) {
	dir := s.IncomingDir(airport, cam)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	dst := s.IncomingPath(airport, cam, ts)
	if err := os.Rename(srcPath, dst); err == nil {
		return dst, nil
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("read for cross-device ingest: %w", err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return "", fmt.Errorf("write staging copy: %w", err)
	}
	if err := os.Remove(srcPath); err != nil {
		// The copy is authoritative now; a stuck source file is
		// cleaned up by the inbox max-age sweep.
		return dst, nil
	}
	return dst, nil
}

// CleanOrphanStaging removes staging leftovers older than maxAge that
// belong to other PIDs. Files of the current process are live work
// and never touched.
func (s *Store) CleanOrphanStaging(airport string, cam int, maxAge time.Duration) int {
	removed := 0
	cutoff := s.now().Add(-maxAge)
	selfPid := strconv.Itoa(os.Getpid())

	dir := s.IncomingDir(airport, cam)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if ownsFile(e.Name(), selfPid) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

// ownsFile reports whether a staging filename embeds the given PID
func ownsFile(name, pid string) bool {
	// Incoming names are <unix>_<pid>_incoming.jpg; variant staging
	// names end in .staging.<pid>.
	if len(name) > len(pid) && name[len(name)-len(pid):] == pid {
		return name[len(name)-len(pid)-1] == '.'
	}
	var ts int64
	var p int
	if n, _ := fmt.Sscanf(name, "%d_%d_incoming.jpg", &ts, &p); n == 2 {
		return strconv.Itoa(p) == pid
	}
	return false
}
