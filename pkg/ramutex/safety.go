package ramutex

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// SafetyMonitor is an exclusive marker held by a site for the whole duration
// of the critical section. Acquiring a marker which is already held, or
// releasing a marker which is not held, means that mutual exclusion was
// violated: both cases panic.
//
// A monitor can be shared by several sites running in the same process. When
// MarkerPath is set, the marker is also materialized as a file created with
// O_EXCL, so that sites running in different processes on the same host
// detect each other.
type SafetyMonitor struct {
	MarkerPath string

	holder PeerID
	held   bool

	mu sync.Mutex
}

func NewSafetyMonitor(markerPath string) *SafetyMonitor {
	return &SafetyMonitor{
		MarkerPath: markerPath,
	}
}

func (m *SafetyMonitor) Acquire(holder PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held {
		Panicf("mutual exclusion violation: %s cannot enter the critical "+
			"section held by %s", holder, m.holder)
	}

	if m.MarkerPath != "" {
		if err := m.createMarkerFile(holder); err != nil {
			Panicf("mutual exclusion violation: %s cannot enter the critical "+
				"section: %v", holder, err)
		}
	}

	m.holder = holder
	m.held = true
}

func (m *SafetyMonitor) Release(holder PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		Panicf("mutual exclusion violation: %s cannot leave a critical "+
			"section which is not held", holder)
	}

	if m.holder != holder {
		Panicf("mutual exclusion violation: %s cannot leave the critical "+
			"section held by %s", holder, m.holder)
	}

	if m.MarkerPath != "" {
		if err := os.Remove(m.MarkerPath); err != nil {
			Panicf("mutual exclusion violation: cannot delete marker "+
				"file %q: %v", m.MarkerPath, err)
		}
	}

	m.holder = ""
	m.held = false
}

func (m *SafetyMonitor) Holder() (PeerID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.holder, m.held
}

// Close deletes the marker file if the critical section is still held, for
// example when the process is stopped in the middle of the work phase.
func (m *SafetyMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return nil
	}

	m.held = false
	m.holder = ""

	if m.MarkerPath == "" {
		return nil
	}

	if err := os.Remove(m.MarkerPath); err != nil &&
		!errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("cannot delete %q: %w", m.MarkerPath, err)
	}

	return nil
}

func (m *SafetyMonitor) createMarkerFile(holder PeerID) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	file, err := os.OpenFile(m.MarkerPath, flags, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			data, _ := os.ReadFile(m.MarkerPath)
			return fmt.Errorf("marker file %q already exists (holder: %q)",
				m.MarkerPath, string(data))
		}

		return fmt.Errorf("cannot create %q: %w", m.MarkerPath, err)
	}
	defer file.Close()

	if _, err := file.WriteString(string(holder)); err != nil {
		return fmt.Errorf("cannot write %q: %w", m.MarkerPath, err)
	}

	return nil
}
