package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kajiLabTeam/UWBViewerSystem-sub001/uwb"
)

// apiServer exposes the calibration workflow over HTTP and streams progress
// snapshots over websockets.
type apiServer struct {
	app      *App
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*wsClient]struct{}
	sessions map[string]string // antenna ID -> ranging session ID
}

// wsClient serializes writes to one progress connection. gorilla/websocket
// allows only a single concurrent writer per connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// newAPIServer creates the HTTP surface for the app.
func newAPIServer(a *App) *apiServer {
	return &apiServer{
		app: a,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The service runs on a closed network; the UI origin is not fixed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*wsClient]struct{}),
		sessions: make(map[string]string),
	}
}

// handler builds the routing table with the logging middleware applied.
func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/validate", s.handleValidate)
	mux.HandleFunc("/api/reference", s.handleReference)
	mux.HandleFunc("/api/observation/start", s.observationOp("start"))
	mux.HandleFunc("/api/observation/stop", s.observationOp("stop"))
	mux.HandleFunc("/api/observation/pause", s.observationOp("pause"))
	mux.HandleFunc("/api/observation/resume", s.observationOp("resume"))
	mux.HandleFunc("/api/map", s.handleMap)
	mux.HandleFunc("/api/calibrate", s.handleCalibrate)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.HandleFunc("/api/export/report.xlsx", s.handleExportReport)
	mux.HandleFunc("/api/export/poses.geojson", s.handleExportGeoJSON)
	mux.HandleFunc("/ws/progress", s.handleProgressSocket)

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status       string           `json:"status"`
		Timestamp    time.Time        `json:"timestamp"`
		Connectivity uwb.Connectivity `json:"connectivity"`
	}{
		Status:       "ok",
		Timestamp:    time.Now(),
		Connectivity: s.app.Source.Connectivity(),
	})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.app.Tracker.UpdateConnectivity(s.app.Source.Connectivity())
	s.app.Tracker.UpdateSnapshot(s.app.Workflow.Snapshot())
	writeJSON(w, http.StatusOK, s.app.Tracker.GetStatus())
}

func (s *apiServer) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.combinedResults())
}

// combinedResults overlays the current run's results on the stored ones.
func (s *apiServer) combinedResults() map[string]uwb.CalibrationResult {
	results := make(map[string]uwb.CalibrationResult)
	if stored, err := s.app.Repository.ListCalibrationResults(); err == nil {
		for _, r := range stored {
			results[r.AntennaID] = r
		}
	}
	for id, r := range s.app.Workflow.Results() {
		results[id] = r
	}
	return results
}

func (s *apiServer) handleValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Workflow.ValidateCurrentState())
}

// handleReference accepts a JSON array of reference points and adds them as
// one all-or-nothing batch.
func (s *apiServer) handleReference(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var refs []uwb.ReferencePoint
	if err := json.NewDecoder(r.Body).Decode(&refs); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding reference points: %w", err))
		return
	}
	if err := s.app.Workflow.CollectReferencePoints(refs); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Workflow.Snapshot())
}

type observationRequest struct {
	AntennaID string `json:"antennaId"`
}

// observationOp builds the handler for one observation lifecycle operation.
// Starting binds a ranging session to the workflow; stopping unbinds it.
func (s *apiServer) observationOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req observationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		if req.AntennaID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("antennaId is required"))
			return
		}

		var err error
		switch op {
		case "start":
			err = s.startObservation(req.AntennaID)
		case "stop":
			err = s.stopObservation(req.AntennaID)
		case "pause":
			if err = s.app.Workflow.PauseObservationData(req.AntennaID); err == nil {
				s.mu.Lock()
				sessionID := s.sessions[req.AntennaID]
				s.mu.Unlock()
				err = s.app.Source.PauseSession(req.AntennaID, sessionID)
			}
		case "resume":
			if err = s.app.Workflow.ResumeObservationData(req.AntennaID); err == nil {
				s.mu.Lock()
				sessionID := s.sessions[req.AntennaID]
				s.mu.Unlock()
				err = s.app.Source.ResumeSession(req.AntennaID, sessionID)
			}
		}
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.app.Workflow.Snapshot())
	}
}

// startObservation opens a workflow session and subscribes the ranging
// source to feed it.
func (s *apiServer) startObservation(antennaID string) error {
	sessionID, err := s.app.Workflow.StartObservationData(antennaID)
	if err != nil {
		return err
	}
	handler := func(p uwb.ObservationPoint) {
		if err := s.app.Workflow.AddObservation(p); err != nil {
			log.Printf("[HTTP] %s: dropping observation: %v", p.AntennaID, err)
		}
	}
	if err := s.app.Source.StartSession(antennaID, sessionID, handler); err != nil {
		// The workflow session cannot fill without a source; close it.
		if stopErr := s.app.Workflow.StopObservationData(antennaID); stopErr != nil {
			log.Printf("[HTTP] %s: closing orphaned session: %v", antennaID, stopErr)
		}
		return fmt.Errorf("starting ranging session: %w", err)
	}
	s.mu.Lock()
	s.sessions[antennaID] = sessionID
	s.mu.Unlock()
	return nil
}

func (s *apiServer) stopObservation(antennaID string) error {
	s.mu.Lock()
	sessionID, ok := s.sessions[antennaID]
	delete(s.sessions, antennaID)
	s.mu.Unlock()

	if ok {
		if err := s.app.Source.StopSession(antennaID, sessionID); err != nil {
			log.Printf("[HTTP] %s: stopping ranging session: %v", antennaID, err)
		}
	}
	return s.app.Workflow.StopObservationData(antennaID)
}

func (s *apiServer) handleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.app.Workflow.MapObservationsToReferences(); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.app.Workflow.Mappings())
}

// handleCalibrate executes the fit and persists successful results.
func (s *apiServer) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.app.Workflow.ExecuteCalibration(); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	resp := calibrateResponse{
		Results:         s.app.Workflow.Results(),
		PersistFailures: map[string]string{},
	}
	for id, result := range resp.Results {
		s.app.Tracker.UpdateResult(result)
		if err := s.app.Repository.SaveCalibrationResult(result); err != nil {
			log.Printf("[HTTP] %s: persisting result: %v", id, err)
			resp.PersistFailures[id] = err.Error()
			continue
		}
		pos := uwb.AntennaPositionData{
			AntennaID:   id,
			FloorMapID:  s.app.Config.FloorMap.ID,
			Position:    result.Position,
			RotationDeg: result.RotationDeg,
		}
		if err := s.app.Repository.SaveAntennaPosition(pos); err != nil {
			log.Printf("[HTTP] %s: persisting antenna position: %v", id, err)
			resp.PersistFailures[id] = err.Error()
		}
	}
	if len(resp.PersistFailures) == 0 {
		resp.PersistFailures = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// calibrateResponse carries the fit results plus any per-antenna storage
// errors. A failed save does not undo the fit, so both are reported.
type calibrateResponse struct {
	Results         map[string]uwb.CalibrationResult `json:"results"`
	PersistFailures map[string]string                `json:"persistFailures,omitempty"`
}

func (s *apiServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	orphans := make(map[string]string, len(s.sessions))
	for antennaID, sessionID := range s.sessions {
		orphans[antennaID] = sessionID
	}
	s.sessions = make(map[string]string)
	s.mu.Unlock()
	for antennaID, sessionID := range orphans {
		if err := s.app.Source.StopSession(antennaID, sessionID); err != nil {
			log.Printf("[HTTP] %s: stopping ranging session on reset: %v", antennaID, err)
		}
	}

	s.app.Workflow.Reset()
	writeJSON(w, http.StatusOK, s.app.Workflow.Snapshot())
}

func (s *apiServer) handleExportReport(w http.ResponseWriter, r *http.Request) {
	results := s.combinedResults()
	if len(results) == 0 {
		http.Error(w, "No calibration results available", http.StatusServiceUnavailable)
		return
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("calibration-report-%d.xlsx", time.Now().UnixNano()))
	defer os.Remove(tmp)
	if err := uwb.WriteCalibrationReport(tmp, results, nil); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="calibration-report.xlsx"`)
	http.ServeFile(w, r, tmp)
}

func (s *apiServer) handleExportGeoJSON(w http.ResponseWriter, r *http.Request) {
	results := s.combinedResults()
	if len(results) == 0 {
		http.Error(w, "No calibration results available", http.StatusServiceUnavailable)
		return
	}

	var refs []uwb.ReferencePoint
	for _, m := range s.app.Workflow.Mappings() {
		refs = append(refs, m.Reference)
	}
	data, err := uwb.MarshalPoseGeoJSON(results, refs, s.app.FloorMap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

// handleProgressSocket streams workflow snapshots to the client: the current
// one on connect, then every broadcast until the client goes away.
func (s *apiServer) handleProgressSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	log.Printf("[WS] progress client connected from %s", conn.RemoteAddr())

	if err := client.writeJSON(s.app.Workflow.Snapshot()); err != nil {
		s.dropClient(client)
		return
	}

	// Reads are discarded; the read loop only notices disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(client)
				return
			}
		}
	}()
}

// broadcast pushes a snapshot to every connected progress client.
func (s *apiServer) broadcast(snap uwb.WorkflowSnapshot) {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(snap); err != nil {
			s.dropClient(c)
		}
	}
}

func (s *apiServer) dropClient(c *wsClient) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if ok {
		c.conn.Close()
		log.Printf("[WS] progress client disconnected")
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// statusForError maps the calibration error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var we *uwb.WorkflowError
	if errors.As(err, &we) {
		return http.StatusConflict
	}
	var ie *uwb.InputError
	var ipe *uwb.InsufficientPointsError
	if errors.As(err, &ie) || errors.As(err, &ipe) {
		return http.StatusBadRequest
	}
	var ge *uwb.GeometryError
	if errors.As(err, &ge) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
