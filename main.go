package main

import (
	"flag"
	"fmt"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile   = flag.String("config", "config.yaml", "Path to configuration file")
	databaseFile = flag.String("db", "calibration.db", "Path to the calibration database")
	serveMode    = flag.Bool("serve", false, "Run the calibration service (MQTT ranging + HTTP API)")
	httpPort     = flag.Int("http-port", 8080, "HTTP server port (default 8080)")
	autoCalMode  = flag.Bool("auto-calibrate", false, "Run the automatic antenna calibration loop and exit")
	tagsFile     = flag.String("tags", "tags.json", "Path to known tag positions for --auto-calibrate")
	exportMode   = flag.Bool("export", false, "Export stored calibration results and exit")
	reportFile   = flag.String("report", "calibration-report.xlsx", "Output file for the Excel report in --export mode")
	geojsonFile  = flag.String("geojson", "antenna-poses.geojson", "Output file for antenna poses in --export mode")
	simulate     = flag.Bool("simulate", false, "Use a simulated ranging source instead of MQTT")
)

func main() {
	flag.Parse()
	fmt.Printf("uwb-calibration version: %s\n", Version)

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:   *configFile,
		DatabaseFile: *databaseFile,
		TagsFile:     *tagsFile,
		ReportFile:   *reportFile,
		GeoJSONFile:  *geojsonFile,
		HTTPPort:     *httpPort,
		Simulate:     *simulate,
	})

	if *autoCalMode {
		app.RunAutoCalibrate()
		return
	}

	if *exportMode {
		app.RunExport()
		return
	}

	if *serveMode {
		app.RunServe()
		return
	}

	fmt.Println("uwb-calibration: nothing to do")
	fmt.Println("Use --serve to run the calibration service (MQTT ranging + HTTP API)")
	fmt.Println("Use --auto-calibrate to run the automatic antenna calibration loop")
	fmt.Println("Use --export to write the Excel report and GeoJSON poses")
	fmt.Println("\nConfiguration:")
	fmt.Println("  config.yaml    - MQTT broker, antennas, floor map, conditioning settings")
	fmt.Println("  tags.json      - known tag positions for --auto-calibrate")
	fmt.Println("  calibration.db - stored results and antenna poses")
}
