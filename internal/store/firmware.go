package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/glog"
)

// MaxFirmwareSize is the largest image accepted for staging.
const MaxFirmwareSize = 2 * 1024 * 1024

// ErrInvalidFirmware is returned for empty or oversized images.
var ErrInvalidFirmware = errors.New("store: invalid firmware image")

// ProgressFunc reports staging progress.
type ProgressFunc func(written, total int64)

// FirmwareStatus describes what is staged on storage.
type FirmwareStatus struct {
	Staged bool
	Size   int64
	Marker bool
}

// Status reports the staged image and marker.
func (s *Store) Status() (FirmwareStatus, error) {
	var st FirmwareStatus
	info, err := os.Stat(s.FirmwarePath())
	switch {
	case err == nil:
		st.Staged = true
		st.Size = info.Size()
	case !errors.Is(err, os.ErrNotExist):
		return st, fmt.Errorf("store: stat firmware: %w", err)
	}
	marker, err := s.MarkerExists()
	if err != nil {
		return st, err
	}
	st.Marker = marker
	return st, nil
}

// StageFirmware copies size bytes from r into the staged firmware file and,
// once the image is complete, creates the pending-firmware marker. A partial
// image is removed.
func (s *Store) StageFirmware(r io.Reader, size int64, progress ProgressFunc) error {
	if size <= 0 || size > MaxFirmwareSize {
		return fmt.Errorf("%w: size %d (max %d)", ErrInvalidFirmware, size, MaxFirmwareSize)
	}

	if err := s.writeFirmware(r, size, progress); err != nil {
		return err
	}
	glog.Infof("store: staged %d-byte firmware at %s", size, s.FirmwarePath())
	return s.CreateMarker()
}

func (s *Store) writeFirmware(r io.Reader, size int64, progress ProgressFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.FirmwarePath()
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("store: create firmware: %w", err)
	}
	defer os.Remove(tmp)

	w := io.Writer(f)
	if progress != nil {
		w = &progressWriter{w: f, total: size, fn: progress}
	}
	n, err := io.CopyN(w, r, size)
	if err != nil {
		f.Close()
		return fmt.Errorf("store: write firmware (wrote %d of %d bytes): %w", n, size, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("store: sync firmware: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("store: close firmware: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: install firmware: %w", err)
	}
	return nil
}

type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	fn      ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.fn(p.written, p.total)
	return n, err
}
