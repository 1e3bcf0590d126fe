package uwb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// AutoCalibrationConfig controls the multi-antenna calibration loop.
type AutoCalibrationConfig struct {
	MinObservationsPerTag int           // per-tag sample floor after conditioning
	CollectionWindow      time.Duration // fixed recording window per tag position
	SettleWait            time.Duration // pause after each window before the next tag
	Processor             ProcessorConfig
}

// DefaultAutoCalibrationConfig returns the loop defaults.
func DefaultAutoCalibrationConfig() AutoCalibrationConfig {
	return AutoCalibrationConfig{
		MinObservationsPerTag: 5,
		CollectionWindow:      10 * time.Second,
		SettleWait:            2 * time.Second,
		Processor:             DefaultProcessorConfig(),
	}
}

// AutoCalibrationConfigFromSettings builds a loop config from file settings,
// falling back to defaults for unset values.
func AutoCalibrationConfigFromSettings(s AutoCalSettings, p ProcessorSettings) AutoCalibrationConfig {
	cfg := DefaultAutoCalibrationConfig()
	if s.MinObservationsPerTag > 0 {
		cfg.MinObservationsPerTag = s.MinObservationsPerTag
	}
	if s.CollectionSeconds > 0 {
		cfg.CollectionWindow = time.Duration(s.CollectionSeconds * float64(time.Second))
	}
	if s.SettleSeconds > 0 {
		cfg.SettleWait = time.Duration(s.SettleSeconds * float64(time.Second))
	}
	if p.MovingAverageWindow > 0 || p.FirstTrim > 0 || p.EndTrim > 0 {
		cfg.Processor = ProcessorConfig{
			FirstTrim:           p.FirstTrim,
			EndTrim:             p.EndTrim,
			MovingAverageWindow: p.MovingAverageWindow,
			FilterNLOS:          p.FilterNLOS,
		}
	}
	return cfg
}

// AutoCalibrator drives repeated collect/condition/fit cycles across
// antennas and known tag positions, aggregating a pose per antenna.
//
// Compute and commit are separate: CalibrateAll returns results for
// inspection, Commit persists them as the antennas' definitive poses.
type AutoCalibrator struct {
	source RangingSource
	config AutoCalibrationConfig

	mu         sync.Mutex
	results    map[string]*CalibrationResult
	sessionSeq int
}

// NewAutoCalibrator creates a loop driver over the given ranging source.
func NewAutoCalibrator(source RangingSource, config AutoCalibrationConfig) *AutoCalibrator {
	if config.MinObservationsPerTag <= 0 {
		config.MinObservationsPerTag = 5
	}
	return &AutoCalibrator{
		source:  source,
		config:  config,
		results: make(map[string]*CalibrationResult),
	}
}

// CalibrateAll calibrates every antenna against the known tag positions.
// A per-antenna failure is recorded in that antenna's result and processing
// continues with the remaining antennas; an invalid fit is never silently
// accepted. Cancellation discards only the in-flight accumulation: results
// of antennas already processed are kept and returned with ctx.Err().
func (ac *AutoCalibrator) CalibrateAll(ctx context.Context, antennas []string, tags []TagPosition) (map[string]*CalibrationResult, error) {
	if len(tags) < MinCalibrationPoints {
		return nil, &InsufficientPointsError{Required: MinCalibrationPoints, Provided: len(tags)}
	}
	for i, tag := range tags {
		if !tag.Position.IsFinite() {
			return nil, &InputError{Reason: fmt.Sprintf("tag %q has non-finite coordinates", tag.TagID)}
		}
		for j := 0; j < i; j++ {
			if tags[j].Position.X == tag.Position.X && tags[j].Position.Y == tag.Position.Y {
				return nil, &InputError{Reason: fmt.Sprintf("tags %q and %q share the same coordinates", tags[j].TagID, tag.TagID)}
			}
		}
	}

	for _, antennaID := range antennas {
		result, err := ac.calibrateAntenna(ctx, antennaID, tags)
		if err != nil {
			// Only cancellation aborts the loop; fit failures are per-antenna.
			return ac.Results(), err
		}
		ac.mu.Lock()
		ac.results[antennaID] = result
		ac.mu.Unlock()
	}
	return ac.Results(), nil
}

// calibrateAntenna runs the collect/condition/fit cycle for one antenna.
// Fit failures are folded into the returned result; the only error path
// is context cancellation.
func (ac *AutoCalibrator) calibrateAntenna(ctx context.Context, antennaID string, tags []TagPosition) (*CalibrationResult, error) {
	log.Printf("[AUTO-CAL] %s: starting calibration over %d tag positions", antennaID, len(tags))

	var pairs []CalibrationPoint
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		samples, err := ac.collectTagSamples(ctx, antennaID, tag)
		if err != nil {
			return nil, err
		}

		processed, stats := ac.config.Processor.Process(samples)
		if len(processed) < ac.config.MinObservationsPerTag {
			log.Printf("[AUTO-CAL] %s: tag %s has %d accepted observations (<%d), skipping",
				antennaID, tag.TagID, len(processed), ac.config.MinObservationsPerTag)
			continue
		}

		positions := make([]Point3D, len(processed))
		for i, p := range processed {
			positions[i] = p.Position
		}
		pairs = append(pairs, CalibrationPoint{
			AntennaID:         antennaID,
			Index:             len(pairs),
			ReferencePosition: tag.Position,
			MeasuredPosition:  CentroidOf(positions),
		})
		log.Printf("[AUTO-CAL] %s: tag %s accepted (%d samples, stddev %.3f->%.3fm)",
			antennaID, tag.TagID, len(processed), stats.OriginalStdDev, stats.ProcessedStdDev)
	}

	if len(pairs) < MinCalibrationPoints {
		msg := fmt.Sprintf("insufficient qualifying tag positions: need >=%d, have %d", MinCalibrationPoints, len(pairs))
		log.Printf("[AUTO-CAL] %s: %s", antennaID, msg)
		return failedResult(antennaID, msg), nil
	}

	pose, err := FitAntennaPose(pairs)
	if err != nil {
		log.Printf("[AUTO-CAL] %s: fit failed: %v", antennaID, err)
		return failedResult(antennaID, err.Error()), nil
	}

	log.Printf("[AUTO-CAL] %s: pose fitted at (%.2f, %.2f) rotation=%.1f° scale=(%.3f, %.3f) rmse=%.3fm",
		antennaID, pose.Position.X, pose.Position.Y, pose.RotationDeg, pose.ScaleX, pose.ScaleY, pose.RMSE)
	return pose.Result(antennaID), nil
}

// collectTagSamples records one fixed-duration window for a tag position.
// The window and the settle wait are suspension points: cancellation during
// either discards the accumulated samples of this tag only.
func (ac *AutoCalibrator) collectTagSamples(ctx context.Context, antennaID string, tag TagPosition) ([]ObservationPoint, error) {
	ac.mu.Lock()
	ac.sessionSeq++
	sessionID := fmt.Sprintf("autocal-%s-%d", tag.TagID, ac.sessionSeq)
	ac.mu.Unlock()

	var mu sync.Mutex
	var samples []ObservationPoint
	handler := func(p ObservationPoint) {
		mu.Lock()
		samples = append(samples, p)
		mu.Unlock()
	}

	if err := ac.source.StartSession(antennaID, sessionID, handler); err != nil {
		log.Printf("[AUTO-CAL] %s: could not start session for tag %s: %v", antennaID, tag.TagID, err)
		return nil, nil // treated as an empty window; the per-tag floor skips it
	}

	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
	case <-time.After(ac.config.CollectionWindow):
	}

	if err := ac.source.StopSession(antennaID, sessionID); err != nil {
		log.Printf("[AUTO-CAL] %s: stopping session %s: %v", antennaID, sessionID, err)
	}
	if cancelled {
		return nil, ctx.Err()
	}

	if ac.config.SettleWait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ac.config.SettleWait):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]ObservationPoint(nil), samples...), nil
}

// Results returns a copy of the per-antenna results computed so far.
func (ac *AutoCalibrator) Results() map[string]*CalibrationResult {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	out := make(map[string]*CalibrationResult, len(ac.results))
	for id, r := range ac.results {
		cp := *r
		out[id] = &cp
	}
	return out
}

// ProcessedAntennas returns the IDs of antennas with a successful result.
func (ac *AutoCalibrator) ProcessedAntennas() []string {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	var ids []string
	for id, r := range ac.results {
		if r.Success {
			ids = append(ids, id)
		}
	}
	return ids
}

// Commit persists every successful result through the repository as the
// antenna's definitive pose on the given floor map. Failed results are
// never committed.
func (ac *AutoCalibrator) Commit(repo *Repository, floorMapID string) error {
	for id, result := range ac.Results() {
		if !result.Success {
			log.Printf("[AUTO-CAL] %s: skipping commit of failed result (%s)", id, result.Message)
			continue
		}
		if err := repo.SaveCalibrationResult(*result); err != nil {
			return fmt.Errorf("saving calibration result for %s: %w", id, err)
		}
		pos := AntennaPositionData{
			AntennaID:   id,
			FloorMapID:  floorMapID,
			Position:    result.Position,
			RotationDeg: result.RotationDeg,
		}
		if err := repo.SaveAntennaPosition(pos); err != nil {
			return fmt.Errorf("saving antenna position for %s: %w", id, err)
		}
		log.Printf("[AUTO-CAL] %s: pose committed to floor map %s", id, floorMapID)
	}
	return nil
}

func failedResult(antennaID, msg string) *CalibrationResult {
	return &CalibrationResult{
		AntennaID:    antennaID,
		Success:      false,
		Message:      msg,
		CalibratedAt: time.Now(),
	}
}
