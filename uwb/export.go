package uwb

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// WriteCalibrationReport writes an Excel workbook with one row per antenna
// result plus a statistics sheet when conditioning stats are provided.
func WriteCalibrationReport(path string, results map[string]CalibrationResult, stats map[string]ProcessingStats) error {
	f := excelize.NewFile()
	defer f.Close()

	const resultsSheet = "Calibration Results"
	idx, err := f.NewSheet(resultsSheet)
	if err != nil {
		return fmt.Errorf("creating results sheet: %w", err)
	}
	f.SetActiveSheet(idx)

	headers := []string{"Antenna", "X (m)", "Y (m)", "Rotation (deg)", "Scale X", "Scale Y", "RMSE (m)", "Success", "Message", "Calibrated At"}
	for col, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(resultsSheet, cell, h); err != nil {
			return fmt.Errorf("writing report header: %w", err)
		}
	}

	for row, id := range sortedKeys(results) {
		r := results[id]
		values := []interface{}{
			r.AntennaID, r.Position.X, r.Position.Y, r.RotationDeg,
			r.ScaleX, r.ScaleY, r.RMSE, r.Success, r.Message,
			r.CalibratedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(resultsSheet, cell, v); err != nil {
				return fmt.Errorf("writing result row for %s: %w", r.AntennaID, err)
			}
		}
	}

	if len(stats) > 0 {
		const statsSheet = "Conditioning Statistics"
		if _, err := f.NewSheet(statsSheet); err != nil {
			return fmt.Errorf("creating statistics sheet: %w", err)
		}
		statHeaders := []string{"Antenna", "Original", "Processed", "Trimmed", "Trim Rate", "StdDev Before (m)", "StdDev After (m)", "Improvement (m)"}
		for col, h := range statHeaders {
			cell, _ := excelize.CoordinatesToCellName(col+1, 1)
			if err := f.SetCellValue(statsSheet, cell, h); err != nil {
				return fmt.Errorf("writing statistics header: %w", err)
			}
		}
		row := 2
		for _, id := range sortedStatKeys(stats) {
			s := stats[id]
			values := []interface{}{
				id, s.OriginalCount, s.ProcessedCount, s.TrimmedCount, s.TrimRate,
				s.OriginalStdDev, s.ProcessedStdDev, s.Improvement,
			}
			for col, v := range values {
				cell, _ := excelize.CoordinatesToCellName(col+1, row)
				if err := f.SetCellValue(statsSheet, cell, v); err != nil {
					return fmt.Errorf("writing statistics row for %s: %w", id, err)
				}
			}
			row++
		}
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("dropping default sheet: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving calibration report: %w", err)
	}
	return nil
}

// WriteObservationsCSV dumps observation points as CSV for offline analysis.
func WriteObservationsCSV(w io.Writer, points []ObservationPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"antennaId", "sessionId", "timestamp", "x", "y", "z",
		"distance", "rssi", "strength", "los", "confidence", "errorEstimate",
	}); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, p := range points {
		record := []string{
			p.AntennaID,
			p.SessionID,
			p.Timestamp.Format(time.RFC3339Nano),
			formatFloat(p.Position.X),
			formatFloat(p.Position.Y),
			formatFloat(p.Position.Z),
			formatFloat(p.Distance),
			formatFloat(p.RSSI),
			formatFloat(p.Quality.Strength),
			strconv.FormatBool(p.Quality.IsLineOfSight),
			formatFloat(p.Quality.ConfidenceLevel),
			formatFloat(p.Quality.ErrorEstimate),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys(m map[string]CalibrationResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStatKeys(m map[string]ProcessingStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
