// Package tunnel tracks long-lived SSH port-forward processes by key.
package tunnel

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"

	"github.com/hegde-atri/ironsight/internal/logging"
	"github.com/hegde-atri/ironsight/internal/types"
)

var (
	// ErrSpawnFailed wraps errors from a SpawnFunc.
	ErrSpawnFailed = errors.New("failed to spawn tunnel")
	// ErrKillFailed wraps errors from terminating a tracked process.
	ErrKillFailed = errors.New("failed to kill tunnel process")
	// ErrPoisoned is returned once a spawn panicked while the registry
	// lock was held. The registry state is no longer trusted.
	ErrPoisoned = errors.New("tunnel registry poisoned")
)

// StartResult is the outcome of Registry.Start.
type StartResult string

// StopResult is the outcome of Registry.Stop.
type StopResult string

const (
	Started        StartResult = "running"
	AlreadyRunning StartResult = "already_running"

	Stopped  StopResult = "stopped"
	NotFound StopResult = "not_found"
)

// Process is a running tunnel owned by the registry.
type Process interface {
	// Kill terminates the process forcibly. Killing a process that has
	// already exited is not an error.
	Kill() error
	// Wait blocks until the process has been reaped.
	Wait() error
	Pid() int
	// Exited reports whether the process is gone.
	Exited() bool
}

// Logger is implemented by processes that keep their recent output.
type Logger interface {
	Logs() []string
}

// SpawnFunc starts the process for a key.
type SpawnFunc func() (Process, error)

type handle struct {
	proc    Process
	started time.Time
}

// Entry describes a tracked tunnel.
type Entry struct {
	Key     types.TunnelKey
	Pid     int
	Started time.Time
	Exited  bool
}

// Registry maps tunnel keys to live processes. One mutex covers every key:
// start and stop are rare and must never interleave.
type Registry struct {
	mu       sync.Mutex
	tunnels  map[types.TunnelKey]*handle
	poisoned bool
	log      *clog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *clog.Logger) *Registry {
	return &Registry{
		tunnels: make(map[types.TunnelKey]*handle),
		log:     logging.Or(logger),
	}
}

// Start spawns and tracks a process for key unless one is already tracked.
// The check, the spawn and the insert happen under one critical section.
func (r *Registry) Start(key types.TunnelKey, spawn SpawnFunc) (res StartResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return "", ErrPoisoned
	}
	if _, exists := r.tunnels[key]; exists {
		return AlreadyRunning, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.poisoned = true
			r.log.Error("tunnel spawn panicked", "key", key, "panic", p)
			res, err = "", fmt.Errorf("%w: spawn panicked: %v", ErrPoisoned, p)
		}
	}()

	proc, err := spawn()
	if err != nil {
		r.log.Warn("tunnel spawn failed", "key", key, "err", err)
		return "", fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	r.tunnels[key] = &handle{proc: proc, started: time.Now()}
	r.log.Info("tunnel started", "key", key, "pid", proc.Pid())
	return Started, nil
}

// Stop removes key, kills its process and waits for it to be reaped. If
// the kill fails the entry stays removed and the process is no longer
// tracked.
func (r *Registry) Stop(key types.TunnelKey) (StopResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.poisoned {
		return "", ErrPoisoned
	}
	h, exists := r.tunnels[key]
	if !exists {
		return NotFound, nil
	}
	delete(r.tunnels, key)

	if err := h.proc.Kill(); err != nil {
		r.log.Error("tunnel kill failed, process untracked", "key", key, "pid", h.proc.Pid(), "err", err)
		return "", fmt.Errorf("%w: %w", ErrKillFailed, err)
	}
	// A killed process reports a signal; only the reap matters here.
	_ = h.proc.Wait()

	r.log.Info("tunnel stopped", "key", key, "pid", h.proc.Pid())
	return Stopped, nil
}

// StopAll stops every tracked tunnel. Errors are logged and the first one
// is returned.
func (r *Registry) StopAll() error {
	var first error
	for _, e := range r.List() {
		if _, err := r.Stop(e.Key); err != nil {
			r.log.Error("error stopping tunnel", "key", e.Key, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// IsRunning reports whether key is tracked.
func (r *Registry) IsRunning(key types.TunnelKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.tunnels[key]
	return exists
}

// List returns the tracked tunnels sorted by key.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.tunnels))
	for key, h := range r.tunnels {
		out = append(out, Entry{Key: key, Pid: h.proc.Pid(), Started: h.started, Exited: h.proc.Exited()})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Logs returns the recent output of the tunnel for key, if it keeps any.
func (r *Registry) Logs(key types.TunnelKey) []string {
	r.mu.Lock()
	h, exists := r.tunnels[key]
	r.mu.Unlock()

	if !exists {
		return []string{"Tunnel not running"}
	}
	if l, ok := h.proc.(Logger); ok {
		return l.Logs()
	}
	return nil
}
