package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// State is the persisted companion settings record.
type State struct {
	// BridgeRequested asks for bridge mode on the next boot. It is cleared
	// when consumed.
	BridgeRequested bool `cbor:"1,keyasint,omitempty"`
	// FirmwareVersion is the last version reported by a ready companion.
	FirmwareVersion string `cbor:"2,keyasint,omitempty"`
	// ReadyAt is when readiness was last confirmed.
	ReadyAt time.Time `cbor:"3,keyasint"`
	// Boots counts system initializations.
	Boots uint32 `cbor:"4,keyasint,omitempty"`
}

var stateEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// StatePath returns the location of the settings file.
func (s *Store) StatePath() string {
	return s.path(StateName)
}

// LoadState reads the settings file. A missing file yields the zero State.
func (s *Store) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadState()
}

func (s *Store) loadState() (State, error) {
	var st State
	data, err := os.ReadFile(s.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("store: read state: %w", err)
	}
	if err := cbor.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("store: decode state: %w", err)
	}
	return st, nil
}

func (s *Store) saveState(st State) error {
	data, err := stateEncMode.Marshal(st)
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	if err := writeFileAtomic(s.StatePath(), data); err != nil {
		return fmt.Errorf("store: write state: %w", err)
	}
	return nil
}

// UpdateState applies fn to the stored state and saves the result.
func (s *Store) UpdateState(fn func(*State)) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadState()
	if err != nil {
		return st, err
	}
	fn(&st)
	if err := s.saveState(st); err != nil {
		return st, err
	}
	return st, nil
}
