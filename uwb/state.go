package uwb

import (
	"sync"
	"time"
)

// StatusTracker is a read-mostly aggregate of calibration progress for the
// HTTP surface: the latest workflow snapshot, per-antenna results, and the
// ranging link state. Getters return copies.
type StatusTracker struct {
	mu           sync.RWMutex
	snapshot     WorkflowSnapshot
	results      map[string]CalibrationResult
	connectivity Connectivity
	updatedAt    time.Time
}

// NewStatusTracker creates an empty tracker.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		snapshot:     WorkflowSnapshot{State: StateIdle},
		results:      make(map[string]CalibrationResult),
		connectivity: Disconnected,
	}
}

// UpdateSnapshot stores the latest workflow snapshot.
func (st *StatusTracker) UpdateSnapshot(s WorkflowSnapshot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.snapshot = s
	st.updatedAt = time.Now()
}

// UpdateResult stores one antenna's calibration result.
func (st *StatusTracker) UpdateResult(r CalibrationResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[r.AntennaID] = r
	st.updatedAt = time.Now()
}

// UpdateConnectivity stores the ranging source link state.
func (st *StatusTracker) UpdateConnectivity(c Connectivity) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.connectivity = c
	st.updatedAt = time.Now()
}

// Status is the JSON shape served by the status endpoint.
type Status struct {
	Workflow     WorkflowSnapshot             `json:"workflow"`
	Results      map[string]CalibrationResult `json:"results"`
	Connectivity Connectivity                 `json:"connectivity"`
	UpdatedAt    time.Time                    `json:"updatedAt"`
}

// GetStatus returns a consistent copy of the tracked state.
func (st *StatusTracker) GetStatus() Status {
	st.mu.RLock()
	defer st.mu.RUnlock()

	results := make(map[string]CalibrationResult, len(st.results))
	for id, r := range st.results {
		results[id] = r
	}
	return Status{
		Workflow:     st.snapshot,
		Results:      results,
		Connectivity: st.connectivity,
		UpdatedAt:    st.updatedAt,
	}
}

// GetResults returns a copy of the per-antenna results.
func (st *StatusTracker) GetResults() map[string]CalibrationResult {
	return st.GetStatus().Results
}
