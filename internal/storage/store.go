package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inertial-tools/mti-capture/internal/calibration"
	"github.com/inertial-tools/mti-capture/internal/mti"
	"github.com/inertial-tools/mti-capture/internal/recorder"
)

// Store handles database operations
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a new database handle. Connections are opened lazily and the
// schema is initialized on first write.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// CreateSession records a new acquisition session and returns its ID. The
// config argument can be a string, []byte or any JSON-serializable value.
func (s *Store) CreateSession(ctx context.Context, runID string, info mti.DeviceInfo, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch config.(type) {
		case string:
			configData.Valid = true
			configData.String = config.(string)

		case []byte:
			configData.Valid = true
			configData.String = string(config.([]byte))

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	var profile sql.NullString
	if info.FilterProfile != "" {
		profile.Valid = true
		profile.String = info.FilterProfile
	}

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, runID, info.ProductCode, info.DeviceID, info.FirmwareVersion, profile, configData)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func scanSession(scan func(...any) error) (*SessionRecord, error) {
	var sess SessionRecord
	var profile, config sql.NullString
	if err := scan(&sess.ID, &sess.RunID, &sess.StartTime, &sess.ProductCode, &sess.DeviceID,
		&sess.FirmwareVersion, &profile, &config); err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if profile.Valid {
		sess.FilterProfile = &profile.String
	}
	if config.Valid {
		sess.Config = &config.String
	}
	return &sess, nil
}

func (s *Store) Session(ctx context.Context, id int64) (session *SessionRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	return scanSession(stmt.QueryRowContext(ctx, id).Scan)
}

func (s *Store) Sessions(ctx context.Context) (sessions []*SessionRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess *SessionRecord
		if sess, err = scanSession(rows.Scan); err != nil {
			return
		}
		sessions = append(sessions, sess)
	}
	err = rows.Err()
	return
}

// StoreRows persists one batch of decoded rows in a single transaction.
// Callers chunk long recordings into batches small enough to fit SQLite's
// bind variable limit.
func (s *Store) StoreRows(ctx context.Context, sessionID int64, batch []recorder.Row) (err error) {
	if len(batch) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	const valuesPlaceholder = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	values := make([]any, 0, len(batch)*22)

	var sb strings.Builder
	sb.WriteString(insertSampleSQL)

	for i, row := range batch {
		data := toSampleData(sessionID, row)
		values = append(values,
			data.SessionID,
			data.Received,
			data.PacketCounter,
			data.SampleTimeFine,
			data.StatusWord,
			data.GyrX, data.GyrY, data.GyrZ,
			data.AccX, data.AccY, data.AccZ,
			data.MagX, data.MagY, data.MagZ,
			data.Temperature,
			data.QuatW, data.QuatX, data.QuatY, data.QuatZ,
			data.Roll, data.Pitch, data.Yaw,
		)

		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder)
	}

	if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
		return fmt.Errorf("batch inserting samples: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Samples returns a session's recorded rows in insertion order. Columns the
// device never produced come back as nil fields.
func (s *Store) Samples(ctx context.Context, sessionID int64) (samples []recorder.Row, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSamplesSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying samples: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var data sampleData
		if err = rows.Scan(
			&data.Received,
			&data.PacketCounter,
			&data.SampleTimeFine,
			&data.StatusWord,
			&data.GyrX, &data.GyrY, &data.GyrZ,
			&data.AccX, &data.AccY, &data.AccZ,
			&data.MagX, &data.MagY, &data.MagZ,
			&data.Temperature,
			&data.QuatW, &data.QuatX, &data.QuatY, &data.QuatZ,
			&data.Roll, &data.Pitch, &data.Yaw,
		); err != nil {
			err = fmt.Errorf("scanning sample: %w", err)
			return
		}

		samples = append(samples, recorder.Row{
			Received:       data.Received,
			PacketCounter:  fromSQLNullInt[uint16](data.PacketCounter),
			SampleTimeFine: fromSQLNullInt[uint32](data.SampleTimeFine),
			StatusWord:     fromSQLNullInt[uint32](data.StatusWord),
			GyrX:           fromSQLNullFloat(data.GyrX),
			GyrY:           fromSQLNullFloat(data.GyrY),
			GyrZ:           fromSQLNullFloat(data.GyrZ),
			AccX:           fromSQLNullFloat(data.AccX),
			AccY:           fromSQLNullFloat(data.AccY),
			AccZ:           fromSQLNullFloat(data.AccZ),
			MagX:           fromSQLNullFloat(data.MagX),
			MagY:           fromSQLNullFloat(data.MagY),
			MagZ:           fromSQLNullFloat(data.MagZ),
			Temperature:    fromSQLNullFloat(data.Temperature),
			QuatW:          fromSQLNullFloat(data.QuatW),
			QuatX:          fromSQLNullFloat(data.QuatX),
			QuatY:          fromSQLNullFloat(data.QuatY),
			QuatZ:          fromSQLNullFloat(data.QuatZ),
			Roll:           fromSQLNullFloat(data.Roll),
			Pitch:          fromSQLNullFloat(data.Pitch),
			Yaw:            fromSQLNullFloat(data.Yaw),
		})
	}
	err = rows.Err()
	return
}

// StoreCalibration persists a workflow result against its session.
func (s *Store) StoreCalibration(ctx context.Context, sessionID int64, result calibration.Result) (resultID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertCalibrationSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var origX, origY, origZ sql.NullFloat64
	if result.OriginalBias != nil {
		origX = sql.NullFloat64{Float64: result.OriginalBias.X, Valid: true}
		origY = sql.NullFloat64{Float64: result.OriginalBias.Y, Valid: true}
		origZ = sql.NullFloat64{Float64: result.OriginalBias.Z, Valid: true}
	}

	res, err := stmt.ExecContext(ctx, sessionID, string(result.Outcome),
		origX, origY, origZ,
		result.EstimatedBias.X, result.EstimatedBias.Y, result.EstimatedBias.Z,
		result.EstimatedStdDev.X, result.EstimatedStdDev.Y, result.EstimatedStdDev.Z,
		result.QualityGood)
	if err != nil {
		err = fmt.Errorf("inserting calibration result: %w", err)
		return
	}

	resultID, err = res.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting calibration result ID: %w", err)
	}
	return
}

// Calibration returns a session's most recent calibration result, or
// sql.ErrNoRows when none was recorded.
func (s *Store) Calibration(ctx context.Context, sessionID int64) (record *CalibrationRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectCalibrationSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var rec CalibrationRecord
	var origX, origY, origZ sql.NullFloat64
	if err = stmt.QueryRowContext(ctx, sessionID).Scan(&rec.Outcome,
		&origX, &origY, &origZ,
		&rec.EstimatedX, &rec.EstimatedY, &rec.EstimatedZ,
		&rec.StdDevX, &rec.StdDevY, &rec.StdDevZ,
		&rec.QualityGood); err != nil {
		err = fmt.Errorf("scanning calibration result: %w", err)
		return
	}

	rec.OriginalX = fromSQLNullFloat(origX)
	rec.OriginalY = fromSQLNullFloat(origY)
	rec.OriginalZ = fromSQLNullFloat(origZ)
	return &rec, nil
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
