package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// HeartBeat is the last sign of life of a remote worker process.
type HeartBeat struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Process   string    `json:"process"`
	Timestamp time.Time `json:"timestamp"`
	DeltaT    float64   `json:"deltat"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Heartbeat defaults.
const (
	DefaultProcess = "default"
	DefaultVersion = "None"
)

// Alive reports whether the heartbeat lies within deltaDays of now, in
// either direction.
func (h *HeartBeat) Alive(now time.Time, deltaDays float64) bool {
	margin := time.Duration(deltaDays * float64(24*time.Hour))
	return !h.Timestamp.Before(now.Add(-margin)) && !h.Timestamp.After(now.Add(margin))
}

// Beat records a heartbeat for hostname/process at the current clock time.
// deltaT is the caller-measured round trip in seconds.
func (m *Manager) Beat(ctx context.Context, store HeartBeatStore, hostname, process, version string, deltaT float64) (*HeartBeat, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, fmt.Errorf("heartbeat hostname is required")
	}
	if process == "" {
		process = DefaultProcess
	}
	if version == "" {
		version = DefaultVersion
	}
	now := m.clock.Now().UTC()
	hb := &HeartBeat{
		ID:        m.newID(),
		Hostname:  hostname,
		Process:   process,
		Timestamp: now,
		DeltaT:    deltaT,
		Version:   version,
		CreatedAt: now,
	}
	if err := store.RecordHeartBeat(ctx, hb); err != nil {
		return nil, err
	}
	return hb, nil
}
