package uwb

import (
	"fmt"
	"sync"
)

// MockRangingSource is an in-memory RangingSource used by tests and the
// simulation mode. Observations are injected with Emit or EmitToAntenna.
type MockRangingSource struct {
	mu           sync.Mutex
	connectivity Connectivity
	sessions     map[string]*mockSession
	startErr     error
}

type mockSession struct {
	handler ObservationHandler
	paused  bool
}

// NewMockRangingSource creates a connected mock source.
func NewMockRangingSource() *MockRangingSource {
	return &MockRangingSource{
		connectivity: Connected,
		sessions:     make(map[string]*mockSession),
	}
}

// SetConnectivity overrides the reported link state.
func (m *MockRangingSource) SetConnectivity(c Connectivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = c
}

// FailNextStart makes the next StartSession call return err.
func (m *MockRangingSource) FailNextStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

func (m *MockRangingSource) StartSession(antennaID, sessionID string, h ObservationHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		err := m.startErr
		m.startErr = nil
		return err
	}
	key := sessionKey(antennaID, sessionID)
	if _, exists := m.sessions[key]; exists {
		return &InputError{Reason: fmt.Sprintf("session %q already started for antenna %q", sessionID, antennaID)}
	}
	m.sessions[key] = &mockSession{handler: h}
	return nil
}

func (m *MockRangingSource) StopSession(antennaID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(antennaID, sessionID)
	if _, ok := m.sessions[key]; !ok {
		return &InputError{Reason: fmt.Sprintf("no session %q for antenna %q", sessionID, antennaID)}
	}
	delete(m.sessions, key)
	return nil
}

func (m *MockRangingSource) PauseSession(antennaID, sessionID string) error {
	return m.setPaused(antennaID, sessionID, true)
}

func (m *MockRangingSource) ResumeSession(antennaID, sessionID string) error {
	return m.setPaused(antennaID, sessionID, false)
}

func (m *MockRangingSource) setPaused(antennaID, sessionID string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionKey(antennaID, sessionID)]
	if !ok {
		return &InputError{Reason: fmt.Sprintf("no session %q for antenna %q", sessionID, antennaID)}
	}
	sess.paused = paused
	return nil
}

func (m *MockRangingSource) Connectivity() Connectivity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

// Emit delivers an observation to the matching live session, if any.
// Paused sessions swallow the point, mirroring the MQTT source.
func (m *MockRangingSource) Emit(antennaID, sessionID string, p ObservationPoint) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionKey(antennaID, sessionID)]
	if !ok || sess.paused {
		m.mu.Unlock()
		return
	}
	handler := sess.handler
	m.mu.Unlock()

	p.AntennaID = antennaID
	p.SessionID = sessionID
	handler(p)
}

// EmitToAntenna delivers an observation to every live session of the
// antenna, regardless of session ID. Used by the auto-calibration tests
// where session IDs are generated internally.
func (m *MockRangingSource) EmitToAntenna(antennaID string, p ObservationPoint) {
	m.mu.Lock()
	type target struct {
		handler   ObservationHandler
		sessionID string
	}
	var targets []target
	for key, sess := range m.sessions {
		if sess.paused {
			continue
		}
		if len(key) > len(antennaID) && key[:len(antennaID)+1] == antennaID+"/" {
			targets = append(targets, target{handler: sess.handler, sessionID: key[len(antennaID)+1:]})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		pt := p
		pt.AntennaID = antennaID
		pt.SessionID = t.sessionID
		t.handler(pt)
	}
}

// ActiveSessions returns the number of live sessions.
func (m *MockRangingSource) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ActiveSessionIDs returns the session IDs currently live for the antenna.
func (m *MockRangingSource) ActiveSessionIDs(antennaID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	prefix := antennaID + "/"
	for key := range m.sessions {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			ids = append(ids, key[len(prefix):])
		}
	}
	return ids
}
