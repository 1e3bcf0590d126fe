package uwb

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// WorkflowState is the calibration workflow phase. Transitions are
// forward-only except for an explicit Reset.
type WorkflowState string

const (
	StateIdle                  WorkflowState = "idle"
	StateCollectingReference   WorkflowState = "collectingReference"
	StateCollectingObservation WorkflowState = "collectingObservation"
	StateCalculating           WorkflowState = "calculating"
	StateCompleted             WorkflowState = "completed"
	StateFailed                WorkflowState = "failed"
)

// WorkflowSnapshot is a queryable view of the workflow at one instant.
// The workflow defines only the data; callers choose the transport.
type WorkflowSnapshot struct {
	State             WorkflowState `json:"state"`
	Progress          float64       `json:"progress"` // 0..1
	ReferenceCount    int           `json:"referenceCount"`
	SessionCount      int           `json:"sessionCount"`
	CompletedSessions int           `json:"completedSessions"`
	MappingCount      int           `json:"mappingCount"`
	ProcessedAntennas []string      `json:"processedAntennas"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
}

// ValidationReport enumerates concrete deficiencies of the current state
// without mutating anything.
type ValidationReport struct {
	CanProceed      bool     `json:"canProceed"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// CalibrationWorkflow sequences reference collection, observation collection,
// correspondence mapping, and transform execution for a calibration run.
//
// All state-mutating operations serialize through one mutex owner; the
// per-antenna "unique active session" and monotonic-state invariants depend
// on it. ValidateCurrentState and Snapshot are read-only and safe to call
// concurrently with mutations.
type CalibrationWorkflow struct {
	mu sync.RWMutex

	state     WorkflowState
	processor ProcessorConfig

	references      []ReferencePoint
	sessions        map[string]*ObservationSession // session ID -> session
	activeByAntenna map[string]string              // antenna ID -> active session ID
	sessionSeq      int

	mappings []Mapping
	results  map[string]*CalibrationResult
	errMsg   string
	progress float64

	minReferences int
	notify        chan<- WorkflowSnapshot // optional, non-blocking
}

// NewCalibrationWorkflow creates an idle workflow using the given
// conditioning configuration.
func NewCalibrationWorkflow(processor ProcessorConfig) *CalibrationWorkflow {
	return &CalibrationWorkflow{
		state:           StateIdle,
		processor:       processor,
		sessions:        make(map[string]*ObservationSession),
		activeByAntenna: make(map[string]string),
		results:         make(map[string]*CalibrationResult),
		minReferences:   MinCalibrationPoints,
	}
}

// AttachNotifier registers a channel that receives a snapshot after every
// mutation. Sends never block; a full channel drops the update.
func (w *CalibrationWorkflow) AttachNotifier(ch chan<- WorkflowSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notify = ch
}

// State returns the current workflow state.
func (w *CalibrationWorkflow) State() WorkflowState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Progress returns the workflow progress in [0,1].
func (w *CalibrationWorkflow) Progress() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.progress
}

// Snapshot returns a consistent view of the workflow.
func (w *CalibrationWorkflow) Snapshot() WorkflowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshotLocked()
}

func (w *CalibrationWorkflow) snapshotLocked() WorkflowSnapshot {
	completed := 0
	for _, s := range w.sessions {
		if s.Status == SessionCompleted {
			completed++
		}
	}
	var processed []string
	for id, r := range w.results {
		if r.Success {
			processed = append(processed, id)
		}
	}
	return WorkflowSnapshot{
		State:             w.state,
		Progress:          w.progress,
		ReferenceCount:    len(w.references),
		SessionCount:      len(w.sessions),
		CompletedSessions: completed,
		MappingCount:      len(w.mappings),
		ProcessedAntennas: processed,
		ErrorMessage:      w.errMsg,
	}
}

func (w *CalibrationWorkflow) notifyLocked() {
	if w.notify == nil {
		return
	}
	select {
	case w.notify <- w.snapshotLocked():
	default:
	}
}

// AddReferencePoint appends one known tag position to the reference set and
// advances the workflow to collectingReference. Allowed from idle and
// collectingReference only; the state machine never moves backward.
func (w *CalibrationWorkflow) AddReferencePoint(ref ReferencePoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle && w.state != StateCollectingReference {
		return &WorkflowError{Op: "addReferencePoint", State: w.state}
	}
	if !ref.Position.IsFinite() {
		return &InputError{Reason: fmt.Sprintf("reference point %q has non-finite coordinates", ref.Name)}
	}
	for _, existing := range w.references {
		if existing.Position == ref.Position {
			return &InputError{Reason: fmt.Sprintf("reference point %q duplicates the coordinates of %q", ref.Name, existing.Name)}
		}
	}

	w.references = append(w.references, ref)
	w.state = StateCollectingReference
	w.updateProgressLocked()
	w.notifyLocked()
	return nil
}

// CollectReferencePoints appends a batch of reference points. The batch is
// all-or-nothing: the first invalid point aborts without partial mutation.
func (w *CalibrationWorkflow) CollectReferencePoints(refs []ReferencePoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle && w.state != StateCollectingReference {
		return &WorkflowError{Op: "collectReferencePoints", State: w.state}
	}
	seen := make(map[Point3D]string, len(w.references)+len(refs))
	for _, existing := range w.references {
		seen[existing.Position] = existing.Name
	}
	for _, ref := range refs {
		if !ref.Position.IsFinite() {
			return &InputError{Reason: fmt.Sprintf("reference point %q has non-finite coordinates", ref.Name)}
		}
		if prev, dup := seen[ref.Position]; dup {
			return &InputError{Reason: fmt.Sprintf("reference point %q duplicates the coordinates of %q", ref.Name, prev)}
		}
		seen[ref.Position] = ref.Name
	}

	w.references = append(w.references, refs...)
	w.state = StateCollectingReference
	w.updateProgressLocked()
	w.notifyLocked()
	return nil
}

// StartObservationData opens a new observation session for the antenna and
// advances to collectingObservation. Each antenna has at most one active
// session; session IDs are unique for the lifetime of the workflow.
func (w *CalibrationWorkflow) StartObservationData(antennaID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCollectingReference && w.state != StateCollectingObservation {
		return "", &WorkflowError{Op: "startObservationData", State: w.state}
	}
	if active, ok := w.activeByAntenna[antennaID]; ok {
		return "", &InputError{Reason: fmt.Sprintf("antenna %q already has active session %q", antennaID, active)}
	}

	w.sessionSeq++
	id := fmt.Sprintf("%s-session-%d", antennaID, w.sessionSeq)
	w.sessions[id] = &ObservationSession{
		ID:        id,
		AntennaID: antennaID,
		Status:    SessionRecording,
		StartedAt: time.Now(),
	}
	w.activeByAntenna[antennaID] = id
	w.state = StateCollectingObservation
	w.notifyLocked()
	return id, nil
}

// AddObservation appends a sample to the antenna's active session. Samples
// arriving while the session is paused are discarded.
func (w *CalibrationWorkflow) AddObservation(p ObservationPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCollectingObservation {
		return &WorkflowError{Op: "addObservation", State: w.state}
	}
	id, ok := w.activeByAntenna[p.AntennaID]
	if !ok {
		return &InputError{Reason: fmt.Sprintf("no active session for antenna %q", p.AntennaID)}
	}
	session := w.sessions[id]
	if session.Status == SessionPaused {
		return nil
	}
	p.SessionID = id
	session.Points = append(session.Points, p)
	return nil
}

// PauseObservationData pauses the antenna's active session.
func (w *CalibrationWorkflow) PauseObservationData(antennaID string) error {
	return w.setSessionStatus(antennaID, SessionRecording, SessionPaused, "pauseObservationData")
}

// ResumeObservationData resumes the antenna's paused session.
func (w *CalibrationWorkflow) ResumeObservationData(antennaID string) error {
	return w.setSessionStatus(antennaID, SessionPaused, SessionRecording, "resumeObservationData")
}

func (w *CalibrationWorkflow) setSessionStatus(antennaID string, from, to SessionStatus, op string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCollectingObservation {
		return &WorkflowError{Op: op, State: w.state}
	}
	id, ok := w.activeByAntenna[antennaID]
	if !ok {
		return &InputError{Reason: fmt.Sprintf("no active session for antenna %q", antennaID)}
	}
	session := w.sessions[id]
	if session.Status != from {
		return &InputError{Reason: fmt.Sprintf("session %q is %s, not %s", id, session.Status, from)}
	}
	session.Status = to
	w.notifyLocked()
	return nil
}

// StopObservationData closes the antenna's active session.
func (w *CalibrationWorkflow) StopObservationData(antennaID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCollectingObservation {
		return &WorkflowError{Op: "stopObservationData", State: w.state}
	}
	id, ok := w.activeByAntenna[antennaID]
	if !ok {
		return &InputError{Reason: fmt.Sprintf("no active session for antenna %q", antennaID)}
	}
	session := w.sessions[id]
	session.Status = SessionCompleted
	session.StoppedAt = time.Now()
	delete(w.activeByAntenna, antennaID)
	log.Printf("[WORKFLOW] %s: session %s completed with %d observations", antennaID, id, len(session.Points))
	w.notifyLocked()
	return nil
}

// MapObservationsToReferences conditions every completed session, reduces it
// to a centroid, and pairs it with the nearest unmatched reference point.
// Advances to calculating. No-ops when no completed sessions exist.
func (w *CalibrationWorkflow) MapObservationsToReferences() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCollectingObservation && w.state != StateCollectingReference {
		return &WorkflowError{Op: "mapObservationsToReferences", State: w.state}
	}

	var completed []*ObservationSession
	for _, s := range w.sessions {
		if s.Status == SessionCompleted {
			completed = append(completed, s)
		}
	}
	if len(completed) == 0 {
		return nil
	}
	// Map iteration order is random; process deterministically by session ID.
	sortSessionsByID(completed)

	matched := make(map[int]bool, len(w.references))
	for i, ref := range w.references {
		if ref.IsCollected {
			matched[i] = true
		}
	}

	for _, session := range completed {
		summary, ok := SummarizeSession(session, w.processor)
		if !ok {
			log.Printf("[WORKFLOW] %s: session %s has no accepted observations, skipping", session.AntennaID, session.ID)
			continue
		}
		idx := NearestUnmatchedReference(w.references, matched, summary.Centroid)
		if idx < 0 {
			log.Printf("[WORKFLOW] %s: session %s has no unmatched reference left, skipping", session.AntennaID, session.ID)
			continue
		}
		matched[idx] = true
		w.references[idx].IsCollected = true
		m := BuildMapping(w.references[idx], summary)
		w.mappings = append(w.mappings, m)
		log.Printf("[WORKFLOW] %s: mapped session %s to reference %q (error=%.3fm quality=%.3f)",
			session.AntennaID, session.ID, m.Reference.Name, m.PositionError, m.MappingQuality)
	}

	w.state = StateCalculating
	w.notifyLocked()
	return nil
}

// ExecuteCalibration fits a transform per antenna from the accumulated
// mappings. On success it stores the per-antenna results, sets progress to
// 1.0 and completes; on any failure it transitions to failed with a recorded
// message. The failed state is terminal apart from Reset.
func (w *CalibrationWorkflow) ExecuteCalibration() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCalculating && w.state != StateCollectingObservation {
		return &WorkflowError{Op: "executeCalibration", State: w.state}
	}
	if len(w.mappings) == 0 {
		return w.failLocked("no observation data: at least one mapping is required")
	}

	byAntenna := make(map[string][]CalibrationPoint)
	var order []string
	for _, m := range w.mappings {
		if _, seen := byAntenna[m.AntennaID]; !seen {
			order = append(order, m.AntennaID)
		}
		byAntenna[m.AntennaID] = append(byAntenna[m.AntennaID], CalibrationPoint{
			AntennaID:         m.AntennaID,
			Index:             len(byAntenna[m.AntennaID]),
			ReferencePosition: m.Reference.Position,
			MeasuredPosition:  m.ObservedCentroid,
		})
	}

	for _, antennaID := range order {
		pose, err := FitAntennaPose(byAntenna[antennaID])
		if err != nil {
			return w.failLocked(fmt.Sprintf("antenna %s: %v", antennaID, err))
		}
		w.results[antennaID] = pose.Result(antennaID)
		log.Printf("[WORKFLOW] %s: calibration fitted (rmse=%.3fm rotation=%.1f°)", antennaID, pose.RMSE, pose.RotationDeg)
	}

	w.errMsg = ""
	w.progress = 1.0
	w.state = StateCompleted
	w.notifyLocked()
	return nil
}

// failLocked records the message and moves to the failed state. Returns the
// recorded condition as an error for the caller.
func (w *CalibrationWorkflow) failLocked(msg string) error {
	w.errMsg = msg
	w.state = StateFailed
	w.notifyLocked()
	log.Printf("[WORKFLOW] calibration failed: %s", msg)
	return fmt.Errorf("calibration failed: %s", msg)
}

// Results returns a copy of the per-antenna calibration results.
func (w *CalibrationWorkflow) Results() map[string]CalibrationResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]CalibrationResult, len(w.results))
	for id, r := range w.results {
		out[id] = *r
	}
	return out
}

// Mappings returns a copy of the computed correspondences.
func (w *CalibrationWorkflow) Mappings() []Mapping {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Mapping(nil), w.mappings...)
}

// ErrorMessage returns the recorded failure message, if any.
func (w *CalibrationWorkflow) ErrorMessage() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.errMsg
}

// Reset returns the workflow to idle from any state, clearing reference
// points, sessions, mappings, results, the error message, and progress.
func (w *CalibrationWorkflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = StateIdle
	w.references = nil
	w.sessions = make(map[string]*ObservationSession)
	w.activeByAntenna = make(map[string]string)
	w.mappings = nil
	w.results = make(map[string]*CalibrationResult)
	w.errMsg = ""
	w.progress = 0
	w.notifyLocked()
}

// ValidateCurrentState produces a read-only advisory report of concrete
// deficiencies. It never mutates state and may run concurrently with the
// mutating operations.
func (w *CalibrationWorkflow) ValidateCurrentState() ValidationReport {
	w.mu.RLock()
	defer w.mu.RUnlock()

	report := ValidationReport{Issues: []string{}, Recommendations: []string{}}

	if len(w.references) < w.minReferences {
		report.Issues = append(report.Issues,
			fmt.Sprintf("insufficient reference points: need >=%d, have %d", w.minReferences, len(w.references)))
		report.Recommendations = append(report.Recommendations,
			"add more reference points at known positions before collecting observations")
	}

	completed, recording, stalled := 0, 0, 0
	for _, s := range w.sessions {
		switch s.Status {
		case SessionCompleted:
			completed++
		case SessionRecording:
			recording++
			if len(s.Points) == 0 {
				stalled++
			}
		}
	}
	if len(w.sessions) == 0 && w.state != StateIdle && w.state != StateCollectingReference {
		report.Issues = append(report.Issues, "no observation sessions exist")
	}
	if stalled > 0 {
		// A stalled upstream channel has no timeout; it surfaces only here.
		report.Issues = append(report.Issues,
			fmt.Sprintf("%d recording session(s) have received no observations", stalled))
		report.Recommendations = append(report.Recommendations,
			"check ranging source connectivity and antenna topics")
	}

	switch w.state {
	case StateCollectingObservation:
		if completed == 0 && recording == 0 {
			report.Issues = append(report.Issues, "no active or completed sessions")
		}
	case StateCalculating:
		if len(w.mappings) == 0 {
			report.Issues = append(report.Issues, "no mappings computed: run mapObservationsToReferences with completed sessions")
		} else if len(w.mappings) < w.minReferences {
			report.Issues = append(report.Issues,
				fmt.Sprintf("insufficient mappings for a transform: need >=%d, have %d", w.minReferences, len(w.mappings)))
		}
	case StateFailed:
		report.Issues = append(report.Issues, "workflow failed: "+w.errMsg)
		report.Recommendations = append(report.Recommendations, "reset the workflow and repeat collection")
	}

	report.CanProceed = len(report.Issues) == 0
	return report
}

// updateProgressLocked sets progress to collected references over the
// required minimum, capped at 1. ExecuteCalibration overrides it to exactly
// 1.0 on completion.
func (w *CalibrationWorkflow) updateProgressLocked() {
	p := float64(len(w.references)) / float64(w.minReferences)
	if p > 1 {
		p = 1
	}
	w.progress = p
}

func sortSessionsByID(sessions []*ObservationSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}
