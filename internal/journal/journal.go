// Package journal keeps a SQLite history of detections and risk changes.
package journal

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"falconlink/pkg/models"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Risk subjects
const (
	SubjectBird = "bird"
)

// RunwaySubject names the risk subject for runway r
func RunwaySubject(r models.Runway) string {
	return "runway_" + string(r)
}

// Detection is a stored object detection
type Detection struct {
	ID         int64             `json:"id"`
	ObjectID   int               `json:"objectId"`
	Type       models.ObjectType `json:"type"`
	TypeName   string            `json:"typeName"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Zone       models.Zone       `json:"zone"`
	Timestamp  time.Time         `json:"timestamp"`
	Extra      string            `json:"extra,omitempty"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// RiskChange is a stored risk update
type RiskChange struct {
	Subject    string           `json:"subject"`
	Level      models.RiskLevel `json:"level"`
	RecordedAt time.Time        `json:"recordedAt"`
}

// Filter narrows a detection query. Zero fields match everything.
type Filter struct {
	Type  *models.ObjectType
	Zone  models.Zone
	Since time.Time
	Until time.Time
	Limit int
}

// Journal wraps the SQLite connection with serialized writes
type Journal struct {
	conn *sql.DB
	mu   sync.RWMutex
	log  logrus.FieldLogger
	now  func() time.Time
}

// Open creates or opens the journal at path and migrates its schema
func Open(path string, log logrus.FieldLogger) (*Journal, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open journal")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	j := &Journal{conn: conn, log: log.WithField("component", "journal"), now: time.Now}
	if err := j.migrate(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate journal")
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		object_id INTEGER NOT NULL,
		object_type INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		zone TEXT NOT NULL,
		detected_at INTEGER NOT NULL,
		extra TEXT DEFAULT '',
		recorded_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS risk_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		level INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_detections_detected_at ON detections(detected_at);
	CREATE INDEX IF NOT EXISTS idx_detections_type ON detections(object_type);
	CREATE INDEX IF NOT EXISTS idx_risk_subject ON risk_changes(subject, recorded_at);
	`

	_, err := j.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.conn.Close()
}

// RecordDetections stores objects in a single transaction
func (j *Journal) RecordDetections(ctx context.Context, objects ...models.DetectedObject) error {
	if len(objects) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detections (object_id, object_type, x, y, zone, detected_at, extra, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	recordedAt := j.now().UnixMilli()
	for _, obj := range objects {
		if _, err := stmt.ExecContext(ctx, obj.ID, int(obj.Type), obj.X, obj.Y, string(obj.Zone),
			obj.Timestamp.UnixMilli(), obj.Extra, recordedAt); err != nil {
			return errors.Wrapf(err, "insert detection %d", obj.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit detections")
}

// RecordRisk stores a risk level for subject
func (j *Journal) RecordRisk(ctx context.Context, subject string, level models.RiskLevel) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.conn.ExecContext(ctx,
		`INSERT INTO risk_changes (subject, level, recorded_at) VALUES (?, ?, ?)`,
		subject, int(level), j.now().UnixMilli())
	return errors.Wrapf(err, "insert %s risk", subject)
}

// Detections returns matching detections, newest first
func (j *Journal) Detections(ctx context.Context, f Filter) ([]Detection, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Type != nil {
		where = append(where, "object_type = ?")
		args = append(args, int(*f.Type))
	}
	if f.Zone != "" {
		where = append(where, "zone = ?")
		args = append(args, string(f.Zone))
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "detected_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	query := `SELECT id, object_id, object_type, x, y, zone, detected_at, extra, recorded_at FROM detections`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query detections")
	}
	defer rows.Close()

	var detections []Detection
	for rows.Next() {
		var (
			d                      Detection
			objectType             int
			zone                   string
			detectedAt, recordedAt int64
		)
		if err := rows.Scan(&d.ID, &d.ObjectID, &objectType, &d.X, &d.Y, &zone, &detectedAt, &d.Extra, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "scan detection")
		}
		d.Type = models.ObjectType(objectType)
		d.TypeName = d.Type.String()
		d.Zone = models.Zone(zone)
		d.Timestamp = time.UnixMilli(detectedAt).UTC()
		d.RecordedAt = time.UnixMilli(recordedAt).UTC()
		detections = append(detections, d)
	}
	return detections, errors.Wrap(rows.Err(), "iterate detections")
}

// RiskHistory returns the latest risk changes for subject, newest first
func (j *Journal) RiskHistory(ctx context.Context, subject string, limit int) ([]RiskChange, error) {
	if limit <= 0 {
		limit = 100
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.conn.QueryContext(ctx, `
		SELECT subject, level, recorded_at FROM risk_changes
		WHERE subject = ? ORDER BY recorded_at DESC, id DESC LIMIT ?
	`, subject, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query risk history")
	}
	defer rows.Close()

	var changes []RiskChange
	for rows.Next() {
		var (
			c          RiskChange
			level      int
			recordedAt int64
		)
		if err := rows.Scan(&c.Subject, &level, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "scan risk change")
		}
		c.Level = models.RiskLevel(level)
		c.RecordedAt = time.UnixMilli(recordedAt).UTC()
		changes = append(changes, c)
	}
	return changes, errors.Wrap(rows.Err(), "iterate risk history")
}

// Run journals detection and risk events until ctx is done or the channel
// closes. Write failures are logged and skipped.
func (j *Journal) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			var err error
			switch e := ev.(type) {
			case models.ObjectDetected:
				err = j.RecordDetections(ctx, e.Object)
			case models.BirdRiskChanged:
				err = j.RecordRisk(ctx, SubjectBird, e.Level)
			case models.RunwayRiskChanged:
				err = j.RecordRisk(ctx, RunwaySubject(e.Runway), e.Level)
			}
			if err != nil {
				j.log.WithError(err).WithField("event", ev.EventName()).Error("Failed to journal event")
			}
		}
	}
}
