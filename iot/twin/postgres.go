package twin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/iotdemo/core/csql"
)

// PostgresStore keeps twins in the table "_twin_" of the database schema
type PostgresStore struct {
	db *csql.DB
}

// NewPostgresStore creates the twin table if it does not exist
func NewPostgresStore(db *csql.DB) (*PostgresStore, error) {
	// poor man's database migrations
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + db.Schema + `."_twin_"
(device_id varchar PRIMARY KEY,
desired json NOT NULL,
desired_version integer NOT NULL,
reported json NOT NULL,
reported_version integer NOT NULL,
desired_at timestamp NOT NULL,
reported_at timestamp NOT NULL
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create twin table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) get(ctx context.Context, q queryRower, deviceID string, lock bool) (*Twin, error) {
	query := `SELECT desired,desired_version,reported,reported_version,desired_at,reported_at FROM ` +
		s.db.Schema + `."_twin_" WHERE device_id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	t := &Twin{DeviceID: deviceID}
	var desired, reported []byte
	err := q.QueryRowContext(ctx, query+";", deviceID).Scan(
		&desired, &t.DesiredVersion, &reported, &t.ReportedVersion, &t.DesiredAt, &t.ReportedAt)
	if errors.Is(err, csql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Desired, t.Reported = desired, reported
	return t, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, deviceID string) (*Twin, error) {
	return s.get(ctx, s.db, deviceID, false)
}

// modify reads the twin with a row lock, applies fn and writes it back
func (s *PostgresStore) modify(ctx context.Context, deviceID string, fn func(t *Twin) error) (*Twin, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := s.get(ctx, tx, deviceID, true)
	if errors.Is(err, ErrNotFound) {
		t = NewTwin(deviceID)
	} else if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO `+s.db.Schema+`."_twin_"
(device_id,desired,desired_version,reported,reported_version,desired_at,reported_at)
VALUES($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (device_id) DO UPDATE SET
desired=$2,desired_version=$3,reported=$4,reported_version=$5,desired_at=$6,reported_at=$7;`,
		deviceID, string(t.Desired), t.DesiredVersion, string(t.Reported), t.ReportedVersion, t.DesiredAt, t.ReportedAt)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

// UpdateDesired implements Store
func (s *PostgresStore) UpdateDesired(ctx context.Context, deviceID string, patch []byte, replace bool) (*Twin, error) {
	return s.modify(ctx, deviceID, func(t *Twin) (err error) {
		t.Desired, t.DesiredVersion, err = update(t.Desired, t.DesiredVersion, patch, replace)
		t.DesiredAt = time.Now().UTC()
		return err
	})
}

// UpdateReported implements Store
func (s *PostgresStore) UpdateReported(ctx context.Context, deviceID string, patch []byte) (*Twin, error) {
	return s.modify(ctx, deviceID, func(t *Twin) (err error) {
		t.Reported, t.ReportedVersion, err = update(t.Reported, t.ReportedVersion, patch, false)
		t.ReportedAt = time.Now().UTC()
		return err
	})
}
