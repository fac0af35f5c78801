// Package store keeps the host-side persisted state of the companion
// chip: the pending-firmware marker, the settings file and the staged
// firmware image, all under one storage root.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// File names under the storage root.
const (
	MarkerName   = "c6_firmware_backup.bin"
	FirmwareName = "c6_firmware.bin"
	StateName    = "c6link.state"
)

// Store is a directory-backed state store. It is safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	root string
}

// Open returns a store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store: empty storage root")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the storage root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name)
}

// MarkerPath returns the location of the pending-firmware marker.
func (s *Store) MarkerPath() string {
	return s.path(MarkerName)
}

// FirmwarePath returns the location of the staged firmware image.
func (s *Store) FirmwarePath() string {
	return s.path(FirmwareName)
}

// MarkerExists reports whether the pending-firmware marker is present.
func (s *Store) MarkerExists() (bool, error) {
	return exists(s.MarkerPath())
}

// CreateMarker creates the pending-firmware marker. An existing marker is
// kept.
func (s *Store) CreateMarker() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.MarkerPath(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: create marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: create marker: %w", err)
	}
	glog.Infof("store: pending firmware marker created at %s", s.MarkerPath())
	return nil
}

// RemoveMarker deletes the pending-firmware marker. It reports whether a
// marker was present.
func (s *Store) RemoveMarker() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return remove(s.MarkerPath())
}

// Cleanup removes the staged firmware image and the marker.
func (s *Store) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, name := range []string{FirmwareName, MarkerName} {
		removed, err := remove(s.path(name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			glog.Infof("store: removed %s", s.path(name))
		}
	}
	return errors.Join(errs...)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("store: stat %s: %w", filepath.Base(path), err)
	}
}

func remove(path string) (bool, error) {
	err := os.Remove(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("store: remove %s: %w", filepath.Base(path), err)
	}
}

// writeFileAtomic writes data to a temporary file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
