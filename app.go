package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kajiLabTeam/UWBViewerSystem-sub001/uwb"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *uwb.Config
	Repository *uwb.Repository
	Workflow   *uwb.CalibrationWorkflow
	Tracker    *uwb.StatusTracker
	Source     uwb.RangingSource
	FloorMap   *uwb.FloorMap

	// CLI flags (effectively dependencies)
	ConfigFile   string
	DatabaseFile string
	TagsFile     string
	ReportFile   string
	GeoJSONFile  string
	HTTPPort     int
	Simulate     bool
}

// AppOptions carries the parsed CLI flags into the App.
type AppOptions struct {
	ConfigFile   string
	DatabaseFile string
	TagsFile     string
	ReportFile   string
	GeoJSONFile  string
	HTTPPort     int
	Simulate     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Tracker: uwb.NewStatusTracker(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DatabaseFile = opts.DatabaseFile
	a.TagsFile = opts.TagsFile
	a.ReportFile = opts.ReportFile
	a.GeoJSONFile = opts.GeoJSONFile
	a.HTTPPort = opts.HTTPPort
	a.Simulate = opts.Simulate
}

// setup loads the configuration, opens the repository, and builds the
// ranging source and workflow. Fatal on any failure: the service cannot
// run half-wired.
func (a *App) setup() {
	config, err := uwb.LoadConfig(a.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config
	log.Printf("Loaded config from %s", a.ConfigFile)

	floorMap, err := uwb.NewFloorMap(config.FloorMap)
	if err != nil {
		log.Fatalf("Invalid floor map configuration: %v", err)
	}
	a.FloorMap = floorMap

	repo, err := uwb.OpenRepository(a.DatabaseFile)
	if err != nil {
		log.Fatalf("Failed to open calibration database: %v", err)
	}
	a.Repository = repo
	log.Printf("Calibration database at %s", a.DatabaseFile)

	if a.Simulate {
		a.Source = uwb.NewMockRangingSource()
		fmt.Println("Using simulated ranging source (no broker connection)")
	} else {
		source, err := uwb.NewMQTTRangingSource(config)
		if err != nil {
			log.Fatalf("Failed to connect ranging source: %v", err)
		}
		a.Source = source
	}
	a.Tracker.UpdateConnectivity(a.Source.Connectivity())

	processor := uwb.ProcessorConfig{
		FirstTrim:           config.Processor.FirstTrim,
		EndTrim:             config.Processor.EndTrim,
		MovingAverageWindow: config.Processor.MovingAverageWindow,
		FilterNLOS:          config.Processor.FilterNLOS,
	}
	if processor == (uwb.ProcessorConfig{}) {
		processor = uwb.DefaultProcessorConfig()
	}
	a.Workflow = uwb.NewCalibrationWorkflow(processor)

	// Seed the tracker with any previously stored results.
	if results, err := repo.ListCalibrationResults(); err == nil {
		for _, r := range results {
			a.Tracker.UpdateResult(r)
		}
		if len(results) > 0 {
			fmt.Printf("Loaded %d stored calibration result(s)\n", len(results))
		}
	}
}

// RunServe starts the calibration service: the ranging source feeds the
// workflow, and the HTTP API drives it.
func (a *App) RunServe() {
	fmt.Println("Starting uwb-calibration service...")
	a.setup()
	defer a.Repository.Close()

	api := newAPIServer(a)
	notify := make(chan uwb.WorkflowSnapshot, 64)
	a.Workflow.AttachNotifier(notify)
	go func() {
		for snap := range notify {
			a.Tracker.UpdateSnapshot(snap)
			api.broadcast(snap)
		}
	}()

	httpServer := api.handler()
	go func() {
		addr := fmt.Sprintf("0.0.0.0:%d", a.HTTPPort)
		log.Printf("[HTTP] Starting server on %s", addr)
		if err := http.ListenAndServe(addr, httpServer); err != nil {
			log.Fatalf("[HTTP] Server error: %v", err)
		}
	}()

	fmt.Println("\nService Running")
	fmt.Println("===============")
	fmt.Println("\nAntennas:")
	for _, ac := range a.Config.Antennas {
		fmt.Printf("  - %s (%s)\n", ac.ID, ac.Topic)
	}
	fmt.Printf("\nHTTP endpoints (port %d):\n", a.HTTPPort)
	fmt.Println("  GET  /health                    - Health check")
	fmt.Println("  GET  /api/status                - Workflow, results, connectivity")
	fmt.Println("  GET  /api/results               - Stored calibration results")
	fmt.Println("  GET  /api/validate              - Read-only workflow validation")
	fmt.Println("  POST /api/reference             - Add reference points")
	fmt.Println("  POST /api/observation/{op}      - start|stop|pause|resume collection")
	fmt.Println("  POST /api/map                   - Map observations to references")
	fmt.Println("  POST /api/calibrate             - Execute the calibration fit")
	fmt.Println("  POST /api/reset                 - Reset the workflow")
	fmt.Println("  GET  /api/export/report.xlsx    - Excel calibration report")
	fmt.Println("  GET  /api/export/poses.geojson  - Antenna poses as GeoJSON")
	fmt.Println("  GET  /ws/progress               - Workflow snapshots over websocket")
	fmt.Println("\nPress Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down service...")
	if closer, ok := a.Source.(interface{ Close() }); ok {
		closer.Close()
	}
	fmt.Println("Service stopped")
}

// RunAutoCalibrate runs the automatic calibration loop over every configured
// antenna, commits the successful poses, and writes the report.
func (a *App) RunAutoCalibrate() {
	fmt.Println("Starting automatic antenna calibration...")
	a.setup()
	defer a.Repository.Close()

	tags, err := loadTagPositions(a.TagsFile)
	if err != nil {
		log.Fatalf("Failed to load tag positions: %v", err)
	}
	fmt.Printf("Loaded %d tag position(s) from %s\n", len(tags), a.TagsFile)

	calConfig := uwb.AutoCalibrationConfigFromSettings(a.Config.AutoCal, a.Config.Processor)
	calibrator := uwb.NewAutoCalibrator(a.Source, calConfig)

	ctx, cancel := signalContext()
	defer cancel()

	results, err := calibrator.CalibrateAll(ctx, a.Config.AntennaIDs(), tags)
	if err != nil {
		log.Printf("Calibration interrupted: %v", err)
	}

	fmt.Println("\nCalibration Results")
	fmt.Println("===================")
	for _, id := range a.Config.AntennaIDs() {
		r, ok := results[id]
		if !ok {
			fmt.Printf("  %s: not processed\n", id)
			continue
		}
		if r.Success {
			fmt.Printf("  %s: position (%.2f, %.2f) rotation %.1f° rmse %.3fm\n",
				id, r.Position.X, r.Position.Y, r.RotationDeg, r.RMSE)
		} else {
			fmt.Printf("  %s: FAILED - %s\n", id, r.Message)
		}
	}

	if err := calibrator.Commit(a.Repository, a.Config.FloorMap.ID); err != nil {
		log.Fatalf("Failed to commit calibration results: %v", err)
	}
	fmt.Printf("\nCommitted successful poses to %s (floor map %s)\n", a.DatabaseFile, a.Config.FloorMap.ID)
}

// RunExport writes the Excel report and GeoJSON poses from stored results.
func (a *App) RunExport() {
	a.setup()
	defer a.Repository.Close()

	stored, err := a.Repository.ListCalibrationResults()
	if err != nil {
		log.Fatalf("Failed to list calibration results: %v", err)
	}
	if len(stored) == 0 {
		log.Fatal("No calibration results stored; run --auto-calibrate or --serve first")
	}

	results := make(map[string]uwb.CalibrationResult, len(stored))
	for _, r := range stored {
		results[r.AntennaID] = r
	}

	if err := uwb.WriteCalibrationReport(a.ReportFile, results, nil); err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	fmt.Printf("Wrote %s\n", a.ReportFile)

	data, err := uwb.MarshalPoseGeoJSON(results, nil, a.FloorMap)
	if err != nil {
		log.Fatalf("Failed to build GeoJSON: %v", err)
	}
	if err := os.WriteFile(a.GeoJSONFile, data, 0o644); err != nil {
		log.Fatalf("Failed to write GeoJSON: %v", err)
	}
	fmt.Printf("Wrote %s\n", a.GeoJSONFile)
}

// loadTagPositions reads known tag positions from a JSON file: an array of
// {tagId, position:{x,y,z}} objects.
func loadTagPositions(path string) ([]uwb.TagPosition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tag positions: %w", err)
	}
	var tags []uwb.TagPosition
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, fmt.Errorf("parsing tag positions: %w", err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("tag position file %s is empty", path)
	}
	return tags, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
