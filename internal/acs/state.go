package acs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-acs/internal/cwmp/session"
	"github.com/nerrad567/gray-logic-acs/internal/device"
	"github.com/nerrad567/gray-logic-acs/internal/localcache"
)

// phase is where a session stands in the task/preset sequence.
type phase string

const (
	phaseStart         phase = ""
	phaseTasks         phase = "tasks"
	phasePreconditions phase = "preconditions"
	phasePresets       phase = "presets"
	phaseDone          phase = "done"
)

// defaultChannel receives faults that name no channel.
const defaultChannel = "default"

// state is what the Service keeps about a session between exchanges, on
// top of the serialized session.Context.
type state struct {
	DeviceID     string   `json:"deviceId"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	ProductClass string   `json:"productClass,omitempty"`
	Events       []string `json:"events,omitempty"`
	Started      int64    `json:"started"`

	Phase phase         `json:"phase"`
	Tasks []device.Task `json:"tasks,omitempty"`
	// Task indexes the task currently running; -1 before the first.
	Task int `json:"task"`

	// Blocked channels are skipped for the rest of the session.
	Blocked map[string]bool `json:"blocked,omitempty"`
	// Faults are recorded by channel and stored when the session ends.
	Faults    map[string]*device.Fault `json:"faults,omitempty"`
	Succeeded map[string]bool          `json:"succeeded,omitempty"`

	Session json.RawMessage `json:"session"`
}

func newState() *state {
	return &state{
		Task:      -1,
		Blocked:   make(map[string]bool),
		Faults:    make(map[string]*device.Fault),
		Succeeded: make(map[string]bool),
	}
}

// exchange is one live session during a single request.
type exchange struct {
	s    *Service
	st   *state
	sc   *session.Context
	snap *localcache.Snapshot
	log  Logger
}

// resume loads a suspended session.
func (s *Service) resume(ctx context.Context, sessionID string) (*exchange, error) {
	_, blob, err := s.deps.Sessions.Get(ctx, sessionID)
	if errors.Is(err, device.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	st := newState()
	if err := json.Unmarshal(blob, st); err != nil {
		return nil, fmt.Errorf("decoding session state: %w", err)
	}
	sc, err := session.Deserialize(st.Session, s.deps.Interner)
	if err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}

	// The snapshot pinned at Inform may have been evicted by reloads; the
	// session then finishes on the newest one.
	snap, err := s.deps.Cache.Get(sc.CacheKey)
	if err != nil {
		s.logger.Warn("pinned configuration evicted, using current",
			"session_id", sessionID, "cache_key", sc.CacheKey, "error", err)
		if snap, err = s.deps.Cache.Current(); err != nil {
			return nil, fmt.Errorf("loading configuration: %w", err)
		}
	}
	sc.SetSnapshot(snap)

	return &exchange{s: s, st: st, sc: sc, snap: snap, log: s.sessionLogger(sc)}, nil
}

// suspend stores the session until the next exchange.
func (x *exchange) suspend(ctx context.Context) error {
	raw, err := session.Serialize(x.sc)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	x.st.Session = raw
	blob, err := json.Marshal(x.st)
	if err != nil {
		return fmt.Errorf("encoding session state: %w", err)
	}
	if err := x.s.deps.Sessions.Put(ctx, x.sc.SessionID, x.sc.DeviceID, blob, x.s.cfg.SessionTimeout); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// sessionLogger tags log lines with the session identity.
func (s *Service) sessionLogger(sc *session.Context) Logger {
	return taggedLogger{Logger: s.logger, args: []any{"session_id", sc.SessionID, "device_id", sc.DeviceID}}
}

type taggedLogger struct {
	Logger
	args []any
}

func (l taggedLogger) Debug(msg string, args ...any) { l.Logger.Debug(msg, append(args, l.args...)...) }
func (l taggedLogger) Info(msg string, args ...any)  { l.Logger.Info(msg, append(args, l.args...)...) }
func (l taggedLogger) Warn(msg string, args ...any)  { l.Logger.Warn(msg, append(args, l.args...)...) }
func (l taggedLogger) Error(msg string, args ...any) { l.Logger.Error(msg, append(args, l.args...)...) }
