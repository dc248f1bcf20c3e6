package vibecc

import "sync"

// autopilotFlags is the process-wide map of project id to runtime autopilot
// flag. Intentionally not persisted: autopilot is off after a restart and an
// operator turns it back on.
type autopilotFlags struct {
	mu      sync.RWMutex
	running map[string]bool
}

func newAutopilotFlags() *autopilotFlags {
	return &autopilotFlags{running: make(map[string]bool)}
}

func (a *autopilotFlags) set(projectID string, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.running[projectID] = true
	} else {
		delete(a.running, projectID)
	}
}

func (a *autopilotFlags) get(projectID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running[projectID]
}
