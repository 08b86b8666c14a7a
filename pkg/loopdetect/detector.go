// Package loopdetect flags an agent that keeps issuing the same tool call.
//
// Similarity is exact-match on action name plus serialized parameters.
package loopdetect

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWindowSize = 5
	DefaultTimeWindow = 60 * time.Second
	DefaultThreshold  = 3
)

// Config bounds the sliding window
type Config struct {
	WindowSize int
	TimeWindow time.Duration
	// Threshold is the number of identical calls, the current one included, that count as a loop
	Threshold int
}

type entry struct {
	signature string
	at        time.Time
}

// Detector tracks recent action signatures
type Detector struct {
	cfg    Config
	now    func() time.Time
	mu     sync.Mutex
	window []entry
}

// New creates a detector, filling zero config values with defaults
func New(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Detector{cfg: cfg, now: time.Now}
}

// Check records the action and reports whether it completes a loop.
// A detected repetition is not recorded.
func (d *Detector) Check(action string, params map[string]interface{}) bool {
	sig := Signature(action, params)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expireLocked(now)

	matches := 0
	for _, e := range d.window {
		if e.signature == sig {
			matches++
		}
	}
	if matches+1 >= d.cfg.Threshold {
		return true
	}

	d.window = append(d.window, entry{signature: sig, at: now})
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[len(d.window)-d.cfg.WindowSize:]
	}
	return false
}

// Reset clears the window
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = nil
}

// Len returns the number of tracked entries
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.window)
}

func (d *Detector) expireLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.TimeWindow)
	kept := d.window[:0]
	for _, e := range d.window {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.window = kept
}

// Signature serializes an action and its parameters. Map keys are emitted in sorted
// order, so equal parameter sets produce equal signatures.
func Signature(action string, params map[string]interface{}) string {
	if len(params) == 0 {
		return action + ":{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%s:%v", action, params)
	}
	return action + ":" + string(data)
}
