package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kajiLabTeam/UWBViewerSystem-sub001/uwb"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// testApp wires a full App on a mock ranging source and a throwaway
// sqlite database.
func testApp(t *testing.T) (*App, *uwb.MockRangingSource) {
	t.Helper()

	cfg := &uwb.Config{
		MQTT: uwb.MQTTConfig{Broker: "tcp://localhost:1883"},
		FloorMap: uwb.FloorMapConfig{
			ID:          "floor-test",
			WidthMeters: 10,
			DepthMeters: 8,
		},
		Antennas: []uwb.AntennaConfig{
			{ID: "antenna1", Topic: "uwb/antenna1/ranging"},
			{ID: "antenna2", Topic: "uwb/antenna2/ranging"},
		},
	}
	floorMap, err := uwb.NewFloorMap(cfg.FloorMap)
	if err != nil {
		t.Fatalf("NewFloorMap: %v", err)
	}
	repo, err := uwb.OpenRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	source := uwb.NewMockRangingSource()
	app := &App{
		Config:     cfg,
		FloorMap:   floorMap,
		Repository: repo,
		Source:     source,
		Workflow:   uwb.NewCalibrationWorkflow(uwb.DefaultProcessorConfig()),
		Tracker:    uwb.NewStatusTracker(),
	}
	return app, source
}

func testServer(t *testing.T) (*apiServer, *App, *uwb.MockRangingSource) {
	t.Helper()
	app, source := testApp(t)
	return newAPIServer(app), app, source
}

// doRequest runs one request through the full handler chain.
func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) uwb.WorkflowSnapshot {
	t.Helper()
	var snap uwb.WorkflowSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snap
}

// referenceTriangle is the smallest usable reference layout.
func referenceTriangle() []uwb.ReferencePoint {
	return []uwb.ReferencePoint{
		{ID: "ref1", Name: "corner A", TagID: "tag1", Position: uwb.Point3D{X: 1, Y: 1}},
		{ID: "ref2", Name: "corner B", TagID: "tag2", Position: uwb.Point3D{X: 2, Y: 1}},
		{ID: "ref3", Name: "corner C", TagID: "tag3", Position: uwb.Point3D{X: 1.5, Y: 2}},
	}
}

// collectRound drives one observation session over HTTP: start, emit
// points near pos through the mock source, stop.
func collectRound(t *testing.T, h http.Handler, source *uwb.MockRangingSource, antennaID string, pos uwb.Point3D) {
	t.Helper()

	rec := doRequest(t, h, http.MethodPost, "/api/observation/start", observationRequest{AntennaID: antennaID})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	for i := 0; i < 8; i++ {
		source.EmitToAntenna(antennaID, uwb.ObservationPoint{
			AntennaID: antennaID,
			Position:  pos,
			Timestamp: time.Now(),
			Quality: uwb.SignalQuality{
				Strength:        0.9,
				IsLineOfSight:   true,
				ConfidenceLevel: 0.9,
			},
		})
	}
	rec = doRequest(t, h, http.MethodPost, "/api/observation/stop", observationRequest{AntennaID: antennaID})
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// health and status
// ---------------------------------------------------------------------------

func TestHandleHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status       string           `json:"status"`
		Connectivity uwb.Connectivity `json:"connectivity"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status field = %q, want %q", resp.Status, "ok")
	}
	if resp.Connectivity != uwb.Connected {
		t.Errorf("connectivity = %q, want %q", resp.Connectivity, uwb.Connected)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _, source := testServer(t)
	source.SetConnectivity(uwb.Disconnected)

	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status uwb.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if status.Workflow.State != uwb.StateIdle {
		t.Errorf("workflow state = %q, want %q", status.Workflow.State, uwb.StateIdle)
	}
	if status.Connectivity != uwb.Disconnected {
		t.Errorf("connectivity = %q, want %q", status.Connectivity, uwb.Disconnected)
	}
}

func TestHandleValidate(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/validate", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report uwb.ValidationReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	// A fresh workflow has no reference points yet, which the report flags.
	if report.CanProceed {
		t.Error("CanProceed = true for a workflow with no reference points")
	}
	found := false
	for _, issue := range report.Issues {
		if strings.Contains(issue, "insufficient reference points") {
			found = true
		}
	}
	if !found {
		t.Errorf("issues = %v, want one about insufficient reference points", report.Issues)
	}
}

// ---------------------------------------------------------------------------
// reference points
// ---------------------------------------------------------------------------

func TestHandleReference(t *testing.T) {
	srv, app, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/reference", referenceTriangle())

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.State != uwb.StateCollectingReference {
		t.Errorf("state = %q, want %q", snap.State, uwb.StateCollectingReference)
	}
	if snap.ReferenceCount != 3 {
		t.Errorf("ReferenceCount = %d, want 3", snap.ReferenceCount)
	}
	if app.Workflow.State() != uwb.StateCollectingReference {
		t.Errorf("workflow state = %q after POST", app.Workflow.State())
	}
}

func TestHandleReference_BadJSON(t *testing.T) {
	srv, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/reference", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleReference_WrongMethod(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/reference", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandleReference_DuplicateRejected(t *testing.T) {
	srv, app, _ := testServer(t)
	refs := referenceTriangle()
	refs[2].Position = refs[0].Position // same spot twice

	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/reference", refs)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got := app.Workflow.Snapshot().ReferenceCount; got != 0 {
		t.Errorf("ReferenceCount = %d after rejected batch, want 0", got)
	}
}

// ---------------------------------------------------------------------------
// observation lifecycle
// ---------------------------------------------------------------------------

func TestObservationLifecycle(t *testing.T) {
	srv, _, source := testServer(t)
	h := srv.handler()
	doRequest(t, h, http.MethodPost, "/api/reference", referenceTriangle())

	rec := doRequest(t, h, http.MethodPost, "/api/observation/start", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := source.ActiveSessions(); got != 1 {
		t.Errorf("source sessions after start = %d, want 1", got)
	}
	snap := decodeSnapshot(t, rec)
	if snap.State != uwb.StateCollectingObservation {
		t.Errorf("state = %q, want %q", snap.State, uwb.StateCollectingObservation)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/observation/pause", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/api/observation/resume", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/observation/stop", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := source.ActiveSessions(); got != 0 {
		t.Errorf("source sessions after stop = %d, want 0", got)
	}
	snap = decodeSnapshot(t, rec)
	if snap.CompletedSessions != 1 {
		t.Errorf("CompletedSessions = %d, want 1", snap.CompletedSessions)
	}
}

func TestObservationStart_MissingAntennaID(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/observation/start", observationRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestObservationStart_BeforeReferences(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/observation/start", observationRequest{AntennaID: "antenna1"})
	// Forward transitions from idle are refused.
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestObservationStart_SourceFailure(t *testing.T) {
	srv, app, source := testServer(t)
	h := srv.handler()
	doRequest(t, h, http.MethodPost, "/api/reference", referenceTriangle())
	source.FailNextStart(fmt.Errorf("antenna offline"))

	rec := doRequest(t, h, http.MethodPost, "/api/observation/start", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	// The orphaned workflow session must be closed so the antenna can retry.
	rec = doRequest(t, h, http.MethodPost, "/api/observation/start", observationRequest{AntennaID: "antenna1"})
	if rec.Code != http.StatusOK {
		t.Errorf("retry after failure: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if app.Workflow.State() != uwb.StateCollectingObservation {
		t.Errorf("workflow state = %q after retry", app.Workflow.State())
	}
}

// ---------------------------------------------------------------------------
// map and calibrate
// ---------------------------------------------------------------------------

func TestCalibrationOverHTTP(t *testing.T) {
	srv, app, source := testServer(t)
	h := srv.handler()

	rec := doRequest(t, h, http.MethodPost, "/api/reference", referenceTriangle())
	if rec.Code != http.StatusOK {
		t.Fatalf("reference: status = %d", rec.Code)
	}
	for _, ref := range referenceTriangle() {
		collectRound(t, h, source, "antenna1", ref.Position)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/map", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("map: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var mappings []uwb.Mapping
	if err := json.NewDecoder(rec.Body).Decode(&mappings); err != nil {
		t.Fatalf("decoding mappings: %v", err)
	}
	if len(mappings) != 3 {
		t.Fatalf("len(mappings) = %d, want 3", len(mappings))
	}

	rec = doRequest(t, h, http.MethodPost, "/api/calibrate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("calibrate: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp calibrateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding results: %v", err)
	}
	if len(resp.PersistFailures) != 0 {
		t.Fatalf("PersistFailures = %v", resp.PersistFailures)
	}
	result, ok := resp.Results["antenna1"]
	if !ok {
		t.Fatalf("no result for antenna1, results = %v", resp.Results)
	}
	if !result.Success {
		t.Fatalf("calibration failed: %s", result.Message)
	}
	if result.RMSE > 0.2 {
		t.Errorf("RMSE = %v, want <= 0.2", result.RMSE)
	}

	// Success persists both the result and the antenna position.
	stored, err := app.Repository.LoadCalibrationResult("antenna1")
	if err != nil {
		t.Fatalf("LoadCalibrationResult: %v", err)
	}
	if stored.AntennaID != "antenna1" {
		t.Errorf("stored AntennaID = %q", stored.AntennaID)
	}
	positions, err := app.Repository.LoadAntennaPositions("floor-test")
	if err != nil {
		t.Fatalf("LoadAntennaPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Errorf("len(positions) = %d, want 1", len(positions))
	}
	if got := app.Tracker.GetResults(); len(got) != 1 {
		t.Errorf("tracker results = %d, want 1", len(got))
	}
}

func TestHandleCalibrate_PersistFailureSurfaced(t *testing.T) {
	srv, app, source := testServer(t)
	h := srv.handler()

	doRequest(t, h, http.MethodPost, "/api/reference", referenceTriangle())
	for _, ref := range referenceTriangle() {
		collectRound(t, h, source, "antenna1", ref.Position)
	}
	rec := doRequest(t, h, http.MethodPost, "/api/map", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("map: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// A closed database makes every save fail while the fit still succeeds.
	app.Repository.Close()

	rec = doRequest(t, h, http.MethodPost, "/api/calibrate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("calibrate: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp calibrateResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result, ok := resp.Results["antenna1"]; !ok || !result.Success {
		t.Fatalf("fit result missing or failed: %+v", resp.Results)
	}
	if _, ok := resp.PersistFailures["antenna1"]; !ok {
		t.Errorf("PersistFailures = %v, want entry for antenna1", resp.PersistFailures)
	}
}

func TestHandleCalibrate_WrongState(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/calibrate", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleMap_WrongState(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodPost, "/api/map", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// reset
// ---------------------------------------------------------------------------

func TestHandleReset(t *testing.T) {
	srv, app, source := testServer(t)
	h := srv.handler()
	doRequest(t, h, http.MethodPost, "/api/reference", referenceTriangle())
	doRequest(t, h, http.MethodPost, "/api/observation/start", observationRequest{AntennaID: "antenna1"})

	rec := doRequest(t, h, http.MethodPost, "/api/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.State != uwb.StateIdle {
		t.Errorf("state = %q, want %q", snap.State, uwb.StateIdle)
	}
	if got := source.ActiveSessions(); got != 0 {
		t.Errorf("source sessions after reset = %d, want 0", got)
	}
	if app.Workflow.State() != uwb.StateIdle {
		t.Errorf("workflow state = %q after reset", app.Workflow.State())
	}
}

// ---------------------------------------------------------------------------
// exports
// ---------------------------------------------------------------------------

func storedResult(antennaID string) uwb.CalibrationResult {
	return uwb.CalibrationResult{
		AntennaID:    antennaID,
		Position:     uwb.Point3D{X: 1.5, Y: 2.5},
		RotationDeg:  90,
		ScaleX:       1,
		ScaleY:       1,
		RMSE:         0.05,
		Success:      true,
		CalibratedAt: time.Now(),
	}
}

func TestHandleExportReport(t *testing.T) {
	srv, app, _ := testServer(t)
	if err := app.Repository.SaveCalibrationResult(storedResult("antenna1")); err != nil {
		t.Fatalf("SaveCalibrationResult: %v", err)
	}

	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/export/report.xlsx", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty report body")
	}
}

func TestHandleExportReport_NoResults(t *testing.T) {
	srv, _, _ := testServer(t)
	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/export/report.xlsx", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHandleExportGeoJSON(t *testing.T) {
	srv, app, _ := testServer(t)
	if err := app.Repository.SaveCalibrationResult(storedResult("antenna1")); err != nil {
		t.Fatalf("SaveCalibrationResult: %v", err)
	}

	rec := doRequest(t, srv.handler(), http.MethodGet, "/api/export/poses.geojson", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&fc); err != nil {
		t.Fatalf("decoding feature collection: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("type = %q", fc.Type)
	}
	// One antenna feature plus the floor outline.
	if len(fc.Features) != 2 {
		t.Errorf("len(features) = %d, want 2", len(fc.Features))
	}
}

// ---------------------------------------------------------------------------
// websocket progress stream
// ---------------------------------------------------------------------------

func TestProgressSocket(t *testing.T) {
	srv, app, _ := testServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	// The current snapshot arrives immediately on connect.
	var snap uwb.WorkflowSnapshot
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("reading initial snapshot: %v", err)
	}
	if snap.State != uwb.StateIdle {
		t.Errorf("initial state = %q, want %q", snap.State, uwb.StateIdle)
	}

	if err := app.Workflow.CollectReferencePoints(referenceTriangle()); err != nil {
		t.Fatalf("CollectReferencePoints: %v", err)
	}
	srv.broadcast(app.Workflow.Snapshot())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("reading broadcast snapshot: %v", err)
	}
	if snap.State != uwb.StateCollectingReference {
		t.Errorf("broadcast state = %q, want %q", snap.State, uwb.StateCollectingReference)
	}
	if snap.ReferenceCount != 3 {
		t.Errorf("broadcast ReferenceCount = %d, want 3", snap.ReferenceCount)
	}
}

// Connecting clients receive their initial snapshot while broadcasts are in
// flight; writes to one connection must never overlap.
func TestProgressSocket_BroadcastDuringConnect(t *testing.T) {
	srv, app, _ := testServer(t)
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress"

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			srv.broadcast(app.Workflow.Snapshot())
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
			if err != nil {
				t.Errorf("dialing: %v", err)
				return
			}
			defer conn.Close()
			// Drain a few messages so overlapping frames would surface.
			var snap uwb.WorkflowSnapshot
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for j := 0; j < 3; j++ {
				if err := conn.ReadJSON(&snap); err != nil {
					return // broadcaster may finish before we read three
				}
				if snap.State != uwb.StateIdle {
					t.Errorf("state = %q, want %q", snap.State, uwb.StateIdle)
					return
				}
			}
		}()
	}
	wg.Wait()
	<-done
}

func TestBroadcast_NoClients(t *testing.T) {
	srv, app, _ := testServer(t)
	// Must not panic or block with nobody connected.
	srv.broadcast(app.Workflow.Snapshot())
}
