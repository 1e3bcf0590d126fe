package uwb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

const repositorySchema = `
CREATE TABLE IF NOT EXISTS calibration_results (
	antenna_id   TEXT PRIMARY KEY,
	pos_x        REAL NOT NULL,
	pos_y        REAL NOT NULL,
	pos_z        REAL NOT NULL,
	rotation_deg REAL NOT NULL,
	rmse         REAL NOT NULL,
	scale_x      REAL NOT NULL,
	scale_y      REAL NOT NULL,
	success      INTEGER NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	calibrated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS antenna_positions (
	antenna_id   TEXT NOT NULL,
	floor_map_id TEXT NOT NULL,
	pos_x        REAL NOT NULL,
	pos_y        REAL NOT NULL,
	pos_z        REAL NOT NULL,
	rotation_deg REAL NOT NULL,
	PRIMARY KEY (antenna_id, floor_map_id)
);

CREATE TABLE IF NOT EXISTS map_calibration_points (
	floor_map_id TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	map_x        REAL NOT NULL,
	map_y        REAL NOT NULL,
	real_x       REAL NOT NULL,
	real_y       REAL NOT NULL,
	PRIMARY KEY (floor_map_id, idx)
);
`

// Repository persists calibration outcomes in a SQLite database keyed by
// antennaID and floorMapID. All failures are surfaced: ErrNotFound,
// ErrDuplicateEntry, or *InvalidDataError wrapped with context.
type Repository struct {
	db *sql.DB
}

// OpenRepository opens (creating if needed) the SQLite database at path and
// ensures the schema exists.
func OpenRepository(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating repository directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening repository database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging repository database: %w", err)
	}
	if _, err := db.Exec(repositorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating repository schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveCalibrationResult upserts the antenna's latest calibration result.
// Recomputation is expected; the result row is replaced, not duplicated.
func (r *Repository) SaveCalibrationResult(res CalibrationResult) error {
	if res.AntennaID == "" {
		return &InvalidDataError{Message: "calibration result has empty antenna id"}
	}
	if !res.Position.IsFinite() {
		return &InvalidDataError{Message: fmt.Sprintf("calibration result for %s has non-finite position", res.AntennaID)}
	}
	_, err := r.db.Exec(`
		INSERT INTO calibration_results
			(antenna_id, pos_x, pos_y, pos_z, rotation_deg, rmse, scale_x, scale_y, success, message, calibrated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(antenna_id) DO UPDATE SET
			pos_x=excluded.pos_x, pos_y=excluded.pos_y, pos_z=excluded.pos_z,
			rotation_deg=excluded.rotation_deg, rmse=excluded.rmse,
			scale_x=excluded.scale_x, scale_y=excluded.scale_y,
			success=excluded.success, message=excluded.message,
			calibrated_at=excluded.calibrated_at`,
		res.AntennaID, res.Position.X, res.Position.Y, res.Position.Z,
		res.RotationDeg, res.RMSE, res.ScaleX, res.ScaleY,
		boolToInt(res.Success), res.Message, res.CalibratedAt.Unix())
	if err != nil {
		return fmt.Errorf("saving calibration result for %s: %w", res.AntennaID, err)
	}
	return nil
}

// LoadCalibrationResult returns the stored result for the antenna, or
// ErrNotFound.
func (r *Repository) LoadCalibrationResult(antennaID string) (*CalibrationResult, error) {
	row := r.db.QueryRow(`
		SELECT antenna_id, pos_x, pos_y, pos_z, rotation_deg, rmse, scale_x, scale_y, success, message, calibrated_at
		FROM calibration_results WHERE antenna_id = ?`, antennaID)

	var res CalibrationResult
	var success int
	var calibratedAt int64
	err := row.Scan(&res.AntennaID, &res.Position.X, &res.Position.Y, &res.Position.Z,
		&res.RotationDeg, &res.RMSE, &res.ScaleX, &res.ScaleY, &success, &res.Message, &calibratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration result for %s: %w", antennaID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading calibration result for %s: %w", antennaID, err)
	}
	res.Success = success != 0
	res.CalibratedAt = time.Unix(calibratedAt, 0)
	return &res, nil
}

// ListCalibrationResults returns every stored calibration result.
func (r *Repository) ListCalibrationResults() ([]CalibrationResult, error) {
	rows, err := r.db.Query(`
		SELECT antenna_id, pos_x, pos_y, pos_z, rotation_deg, rmse, scale_x, scale_y, success, message, calibrated_at
		FROM calibration_results ORDER BY antenna_id`)
	if err != nil {
		return nil, fmt.Errorf("listing calibration results: %w", err)
	}
	defer rows.Close()

	var results []CalibrationResult
	for rows.Next() {
		var res CalibrationResult
		var success int
		var calibratedAt int64
		if err := rows.Scan(&res.AntennaID, &res.Position.X, &res.Position.Y, &res.Position.Z,
			&res.RotationDeg, &res.RMSE, &res.ScaleX, &res.ScaleY, &success, &res.Message, &calibratedAt); err != nil {
			return nil, fmt.Errorf("scanning calibration result: %w", err)
		}
		res.Success = success != 0
		res.CalibratedAt = time.Unix(calibratedAt, 0)
		results = append(results, res)
	}
	return results, rows.Err()
}

// InsertAntennaPosition stores a new antenna pose. A pose already stored for
// the same (antennaID, floorMapID) yields ErrDuplicateEntry.
func (r *Repository) InsertAntennaPosition(pos AntennaPositionData) error {
	if pos.AntennaID == "" || pos.FloorMapID == "" {
		return &InvalidDataError{Message: "antenna position needs antenna id and floor map id"}
	}
	if !pos.Position.IsFinite() {
		return &InvalidDataError{Message: fmt.Sprintf("antenna position for %s has non-finite coordinates", pos.AntennaID)}
	}
	_, err := r.db.Exec(`
		INSERT INTO antenna_positions (antenna_id, floor_map_id, pos_x, pos_y, pos_z, rotation_deg)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pos.AntennaID, pos.FloorMapID, pos.Position.X, pos.Position.Y, pos.Position.Z, pos.RotationDeg)
	if isUniqueViolation(err) {
		return fmt.Errorf("antenna position %s on %s: %w", pos.AntennaID, pos.FloorMapID, ErrDuplicateEntry)
	}
	if err != nil {
		return fmt.Errorf("inserting antenna position for %s: %w", pos.AntennaID, err)
	}
	return nil
}

// SaveAntennaPosition upserts the antenna's pose on the floor map.
func (r *Repository) SaveAntennaPosition(pos AntennaPositionData) error {
	err := r.InsertAntennaPosition(pos)
	if !errors.Is(err, ErrDuplicateEntry) {
		return err
	}
	_, execErr := r.db.Exec(`
		UPDATE antenna_positions SET pos_x=?, pos_y=?, pos_z=?, rotation_deg=?
		WHERE antenna_id=? AND floor_map_id=?`,
		pos.Position.X, pos.Position.Y, pos.Position.Z, pos.RotationDeg,
		pos.AntennaID, pos.FloorMapID)
	if execErr != nil {
		return fmt.Errorf("updating antenna position for %s: %w", pos.AntennaID, execErr)
	}
	return nil
}

// LoadAntennaPositions returns all antenna poses on the floor map, or
// ErrNotFound if none exist.
func (r *Repository) LoadAntennaPositions(floorMapID string) ([]AntennaPositionData, error) {
	rows, err := r.db.Query(`
		SELECT antenna_id, floor_map_id, pos_x, pos_y, pos_z, rotation_deg
		FROM antenna_positions WHERE floor_map_id = ? ORDER BY antenna_id`, floorMapID)
	if err != nil {
		return nil, fmt.Errorf("loading antenna positions for %s: %w", floorMapID, err)
	}
	defer rows.Close()

	var positions []AntennaPositionData
	for rows.Next() {
		var pos AntennaPositionData
		if err := rows.Scan(&pos.AntennaID, &pos.FloorMapID,
			&pos.Position.X, &pos.Position.Y, &pos.Position.Z, &pos.RotationDeg); err != nil {
			return nil, fmt.Errorf("scanning antenna position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("antenna positions for floor map %s: %w", floorMapID, ErrNotFound)
	}
	return positions, nil
}

// SaveMapCalibrationPoints replaces the stored map calibration point set for
// the floor map.
func (r *Repository) SaveMapCalibrationPoints(floorMapID string, points []MapCalibrationPoint) error {
	for _, p := range points {
		if !p.MapPosition.IsFinite() || !p.RealWorldPosition.IsFinite() {
			return &InvalidDataError{Message: fmt.Sprintf("map calibration point %d has non-finite coordinates", p.Index)}
		}
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning map calibration transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM map_calibration_points WHERE floor_map_id = ?`, floorMapID); err != nil {
		return fmt.Errorf("clearing map calibration points for %s: %w", floorMapID, err)
	}
	for i, p := range points {
		if _, err := tx.Exec(`
			INSERT INTO map_calibration_points (floor_map_id, idx, map_x, map_y, real_x, real_y)
			VALUES (?, ?, ?, ?, ?, ?)`,
			floorMapID, i, p.MapPosition.X, p.MapPosition.Y, p.RealWorldPosition.X, p.RealWorldPosition.Y); err != nil {
			return fmt.Errorf("inserting map calibration point %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadMapCalibrationPoints returns the stored map calibration point set, or
// ErrNotFound if none exist.
func (r *Repository) LoadMapCalibrationPoints(floorMapID string) ([]MapCalibrationPoint, error) {
	rows, err := r.db.Query(`
		SELECT idx, map_x, map_y, real_x, real_y
		FROM map_calibration_points WHERE floor_map_id = ? ORDER BY idx`, floorMapID)
	if err != nil {
		return nil, fmt.Errorf("loading map calibration points for %s: %w", floorMapID, err)
	}
	defer rows.Close()

	var points []MapCalibrationPoint
	for rows.Next() {
		p := MapCalibrationPoint{FloorMapID: floorMapID}
		if err := rows.Scan(&p.Index, &p.MapPosition.X, &p.MapPosition.Y,
			&p.RealWorldPosition.X, &p.RealWorldPosition.Y); err != nil {
			return nil, fmt.Errorf("scanning map calibration point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("map calibration points for floor map %s: %w", floorMapID, ErrNotFound)
	}
	return points, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
