// Package data holds the relational adapters. The face tracking core only
// depends on the attendance store interface; this is the Postgres
// implementation used by the reference deployment.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/camera"
)

// AttendanceModel implements attendance.Store over database/sql.
type AttendanceModel struct {
	DB *sql.DB
}

// Open dials Postgres and verifies connectivity.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (m AttendanceModel) Append(ctx context.Context, evt attendance.Event) error {
	const q = `
		INSERT INTO attendance_events
			(employee_id, camera_id, tripwire_id, direction, occurred_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := m.DB.ExecContext(ctx, q,
		evt.EmployeeID, evt.CameraID, evt.TripwireID, string(evt.Direction), evt.Timestamp, evt.Confidence)
	return err
}

func (m AttendanceModel) ListByEmployee(ctx context.Context, employeeID string, from, to time.Time) ([]attendance.Event, error) {
	const q = `
		SELECT employee_id, camera_id, tripwire_id, direction, occurred_at, confidence
		FROM attendance_events
		WHERE employee_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at`
	rows, err := m.DB.QueryContext(ctx, q, employeeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (m AttendanceModel) ListByRange(ctx context.Context, from, to time.Time) ([]attendance.Event, error) {
	const q = `
		SELECT employee_id, camera_id, tripwire_id, direction, occurred_at, confidence
		FROM attendance_events
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at`
	rows, err := m.DB.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]attendance.Event, error) {
	var out []attendance.Event
	for rows.Next() {
		var evt attendance.Event
		var dir string
		if err := rows.Scan(&evt.EmployeeID, &evt.CameraID, &evt.TripwireID, &dir, &evt.Timestamp, &evt.Confidence); err != nil {
			return nil, err
		}
		evt.Direction = camera.Direction(dir)
		out = append(out, evt)
	}
	return out, rows.Err()
}
