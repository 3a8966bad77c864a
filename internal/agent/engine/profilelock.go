package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// profileLockFile is written inside the locks directory, one file per
// profile. The owner PID makes a lock left behind by an unclean shutdown
// detectable: a lock whose process is dead is stale and reclaimable.
type profileLockFile struct {
	ProfileID string    `json:"profile_id"`
	AgentID   string    `json:"agent_id"`
	PID       int       `json:"pid"`
	LockedAt  time.Time `json:"locked_at"`
}

// ProfileLocker enforces that one browser profile is attached to at most one
// running agent, surviving process restarts via lock files with a PID
// liveness check.
type ProfileLocker struct {
	dir string
	mu  sync.Mutex
}

// NewProfileLocker creates a locker writing lock files under dir
func NewProfileLocker(dir string) (*ProfileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile lock dir: %w", err)
	}
	return &ProfileLocker{dir: dir}, nil
}

// Acquire locks the profile for the given agent. Returns the holding agent
// id and false when the profile is live-locked by another process or agent.
func (p *ProfileLocker) Acquire(profileID, agentID string) (heldBy string, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.lockPath(profileID)

	if existing, readErr := readLockFile(path); readErr == nil {
		if existing.PID == os.Getpid() || processAlive(existing.PID) {
			if existing.AgentID == agentID && existing.PID == os.Getpid() {
				return agentID, true, nil
			}
			return existing.AgentID, false, nil
		}
		// Stale lock from a dead process, reclaim it
	}

	lock := profileLockFile{
		ProfileID: profileID,
		AgentID:   agentID,
		PID:       os.Getpid(),
		LockedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return "", false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write profile lock: %w", err)
	}
	return agentID, true, nil
}

// Release drops the lock if this process holds it for the given agent
func (p *ProfileLocker) Release(profileID, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.lockPath(profileID)
	existing, err := readLockFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.AgentID != agentID || existing.PID != os.Getpid() {
		return nil
	}
	return os.Remove(path)
}

func (p *ProfileLocker) lockPath(profileID string) string {
	return filepath.Join(p.dir, profileID+".lock")
}

func readLockFile(path string) (*profileLockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock profileLockFile
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// processAlive reports whether a PID refers to a live process
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes for existence without delivering anything
	return proc.Signal(syscall.Signal(0)) == nil
}
