// Package signal arms the edge-detection source that reports machine cycles.
// A Detector calls its handler once per detected rising edge with the
// detection time; the handler may be invoked from any goroutine.
package signal

import (
	"errors"
	"sync"
	"time"
)

// ErrHardwareUnavailable means the signal source cannot be armed at all
// (missing driver, missing permissions). It is fatal to starting a recorder.
var ErrHardwareUnavailable = errors.New("signal: hardware unavailable")

// Handler receives the time of a detected edge.
type Handler func(ts time.Time)

// Detector is an arm/disarm capability owned by the recorder.
type Detector interface {
	// Arm starts delivering edges to h. Arming an armed detector re-arms it.
	Arm(h Handler) error
	// Disarm stops delivery. It is idempotent.
	Disarm() error
}

// Manual is a software-only detector: edges are injected with Trigger. It is
// used when events come from the control surface and in tests.
type Manual struct {
	mu      sync.Mutex
	handler Handler

	// ArmErr, when set, is returned by the next Arm call and then cleared.
	ArmErr error
}

// NewManual returns an unarmed manual detector.
func NewManual() *Manual { return &Manual{} }

// Arm implements Detector.
func (m *Manual) Arm(h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ArmErr != nil {
		err := m.ArmErr
		m.ArmErr = nil
		return err
	}
	m.handler = h
	return nil
}

// Disarm implements Detector.
func (m *Manual) Disarm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = nil
	return nil
}

// Armed reports whether a handler is registered.
func (m *Manual) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

// Trigger delivers an edge at ts. It returns false when the detector is not
// armed.
func (m *Manual) Trigger(ts time.Time) bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(ts)
	return true
}
