package toolexecutor

import (
	"sort"
	"time"
)

// Stats aggregates executions of one tool
type Stats struct {
	Name          string        `json:"name"`
	Calls         int64         `json:"calls"`
	Failures      int64         `json:"failures"`
	Timeouts      int64         `json:"timeouts"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     string        `json:"lastError,omitempty"`
	LastCalledAt  time.Time     `json:"lastCalledAt"`
}

// AverageDuration returns the mean duration per call
func (s Stats) AverageDuration() time.Duration {
	if s.Calls == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Calls)
}

func (te *ToolExecutor) record(name string, d time.Duration, err error, timedOut bool) {
	te.statsMu.Lock()
	defer te.statsMu.Unlock()

	s, ok := te.stats[name]
	if !ok {
		s = &Stats{Name: name}
		te.stats[name] = s
	}
	s.Calls++
	s.TotalDuration += d
	s.LastCalledAt = time.Now()
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
	if timedOut {
		s.Timeouts++
	}
}

// Stats returns a snapshot for one tool
func (te *ToolExecutor) Stats(name string) (Stats, bool) {
	te.statsMu.Lock()
	defer te.statsMu.Unlock()

	s, ok := te.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// AllStats returns snapshots for every tool that has run, sorted by name
func (te *ToolExecutor) AllStats() []Stats {
	te.statsMu.Lock()
	defer te.statsMu.Unlock()

	out := make([]Stats, 0, len(te.stats))
	for _, s := range te.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
