// Package db stores decoded frames in SQLite so captures can be queried after
// the fact.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mmwave/internal/httputil"
	"github.com/banshee-data/mmwave/internal/monitoring"
	"github.com/banshee-data/mmwave/internal/timeutil"
	"github.com/banshee-data/mmwave/internal/tlv"
)

// DefaultQueueSize is how many frames may wait for the writer before
// HandleFrame starts dropping them.
const DefaultQueueSize = 256

type Options struct {
	Logger  zerolog.Logger
	Metrics *monitoring.Metrics
	Clock   timeutil.Clock

	// QueueSize bounds the frames buffered by HandleFrame. Zero means
	// DefaultQueueSize.
	QueueSize int
}

type DB struct {
	*sql.DB

	path    string
	log     zerolog.Logger
	metrics *monitoring.Metrics
	clock   timeutil.Clock

	mu      sync.Mutex
	session uuid.UUID

	qmu       sync.RWMutex
	closed    bool
	queue     chan *tlv.Frame
	drained   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	// BEGIN takes the write lock, waiting up to busy_timeout for it.
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Open opens or creates the database at path, brings the schema up to date
// and starts the writer that drains HandleFrame's queue.
func Open(path string, opts Options) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	db := &DB{
		DB:      sqlDB,
		path:    path,
		log:     opts.Logger.With().Str("component", "db").Logger(),
		metrics: opts.Metrics,
		clock:   clock,
		queue:   make(chan *tlv.Frame, size),
		drained: make(chan struct{}),
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	go db.writeLoop()
	return db, nil
}

type SessionInfo struct {
	CommandPort string
	DataPort    string
	Notes       string
}

// StartSession records a new capture session. Frames stored afterwards
// belong to it.
func (db *DB) StartSession(ctx context.Context, info SessionInfo) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, command_port, data_port, notes) VALUES (?, ?, ?, ?, ?)`,
		id.String(), db.clock.Now().UTC(), info.CommandPort, info.DataPort, info.Notes,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to start session: %w", err)
	}

	db.mu.Lock()
	db.session = id
	db.mu.Unlock()
	db.log.Info().Str("session", id.String()).Msg("session started")
	return id, nil
}

// Session returns the current session id, or uuid.Nil before StartSession.
func (db *DB) Session() uuid.UUID {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.session
}

func (db *DB) ensureSession(ctx context.Context) (uuid.UUID, error) {
	if id := db.Session(); id != uuid.Nil {
		return id, nil
	}
	return db.StartSession(ctx, SessionInfo{})
}

// RecordFrame stores f with its records in one transaction. Detected points
// and tracked targets are also written to their own tables.
func (db *DB) RecordFrame(ctx context.Context, f *tlv.Frame) error {
	session, err := db.ensureSession(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	h := f.Header
	res, err := tx.ExecContext(ctx,
		`INSERT INTO frames (
			session_id, received_at, frame_number, version, platform,
			packet_length, time_cycles, detected_objects, tlv_count, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.String(), db.clock.Now().UTC(), h.FrameNumber, h.Version, h.Platform,
		h.PacketLength, h.Time, h.DetectedObjectCount, h.TLVCount, errString(f.Err),
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame: %w", err)
	}
	frameID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	var (
		points []tlv.DetectedPoint
		side   []tlv.DetectedPointSideInfo
	)
	for i, rec := range f.Records {
		data, err := recordData(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (frame_id, idx, tag, type, length, data, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			frameID, i, uint32(rec.Type), rec.Type.String(), rec.Length, data, errString(rec.Err),
		); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", i, err)
		}

		switch v := rec.Value.(type) {
		case []tlv.DetectedPoint:
			points = v
		case []tlv.DetectedPointSideInfo:
			side = v
		case []tlv.Tracked3DTarget:
			if err := insertTargets(ctx, tx, frameID, v); err != nil {
				return err
			}
		}
	}
	if err := insertPoints(ctx, tx, frameID, points, side); err != nil {
		return err
	}
	return tx.Commit()
}

func insertPoints(ctx context.Context, tx *sql.Tx, frameID int64, points []tlv.DetectedPoint, side []tlv.DetectedPointSideInfo) error {
	for i, p := range points {
		var snr, noise sql.NullInt64
		if i < len(side) {
			snr = sql.NullInt64{Int64: int64(side[i].SNR), Valid: true}
			noise = sql.NullInt64{Int64: int64(side[i].Noise), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO points (frame_id, idx, x, y, z, doppler, snr, noise) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			frameID, i, p.X, p.Y, p.Z, p.Doppler, snr, noise,
		); err != nil {
			return fmt.Errorf("failed to insert point %d: %w", i, err)
		}
	}
	return nil
}

func insertTargets(ctx context.Context, tx *sql.Tx, frameID int64, targets []tlv.Tracked3DTarget) error {
	for i, t := range targets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO targets (
				frame_id, idx, track_id, pos_x, pos_y, pos_z, vel_x, vel_y, vel_z, confidence
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			frameID, i, int64(t.TrackID), t.Position.X, t.Position.Y, t.Position.Z,
			t.Velocity.X, t.Velocity.Y, t.Velocity.Z, t.ConfidenceLevel,
		); err != nil {
			return fmt.Errorf("failed to insert target %d: %w", i, err)
		}
	}
	return nil
}

// recordData is the JSON value stored for a record. Opaque payloads and
// records that failed to decode are stored as NULL.
func recordData(rec tlv.Record) (sql.NullString, error) {
	if rec.Value == nil {
		return sql.NullString{}, nil
	}
	if _, ok := rec.Value.(tlv.Opaque); ok {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rec.Value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func errString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}

// HandleFrame queues f for the writer and returns without touching the
// database, so it is safe on the reactor goroutine. When the queue is full
// or the store is closed the frame is dropped and counted as a store error.
func (db *DB) HandleFrame(f *tlv.Frame) {
	db.qmu.RLock()
	defer db.qmu.RUnlock()
	if db.closed {
		db.metrics.Inc(monitoring.StoreErrors)
		db.log.Warn().Uint32("frame", f.Header.FrameNumber).Msg("store closed, frame dropped")
		return
	}
	select {
	case db.queue <- f:
	default:
		db.metrics.Inc(monitoring.StoreErrors)
		db.log.Warn().Uint32("frame", f.Header.FrameNumber).Int("queued", len(db.queue)).Msg("store queue full, frame dropped")
	}
}

func (db *DB) writeLoop() {
	defer close(db.drained)
	for f := range db.queue {
		if err := db.RecordFrame(context.Background(), f); err != nil {
			db.metrics.Inc(monitoring.StoreErrors)
			db.log.Error().Err(err).Uint32("frame", f.Header.FrameNumber).Msg("failed to store frame")
			continue
		}
		db.metrics.Inc(monitoring.StoredFrames)
	}
}

// Queued reports how many frames are waiting for the writer.
func (db *DB) Queued() int { return len(db.queue) }

// Close stops accepting frames, waits for queued ones to be written and
// closes the database. It is safe to call more than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.qmu.Lock()
		db.closed = true
		close(db.queue)
		db.qmu.Unlock()
		<-db.drained
		db.closeErr = db.DB.Close()
	})
	return db.closeErr
}

// FrameSummary is one row of the frames table.
type FrameSummary struct {
	ID              int64     `json:"id"`
	Session         string    `json:"session"`
	ReceivedAt      time.Time `json:"receivedAt"`
	FrameNumber     uint32    `json:"frameNumber"`
	DetectedObjects uint32    `json:"detectedObjects"`
	TLVCount        uint32    `json:"tlvCount"`
	Error           string    `json:"error,omitempty"`
}

// RecentFrames returns up to limit frames, newest first.
func (db *DB) RecentFrames(ctx context.Context, limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT frame_id, session_id, received_at, frame_number, detected_objects, tlv_count, error
		FROM frames ORDER BY frame_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []FrameSummary
	for rows.Next() {
		var (
			f      FrameSummary
			errStr sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Session, &f.ReceivedAt, &f.FrameNumber, &f.DetectedObjects, &f.TLVCount, &errStr); err != nil {
			return nil, err
		}
		f.Error = errStr.String
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// FrameCount returns the number of stored frames across all sessions.
func (db *DB) FrameCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM frames`).Scan(&n)
	return n, err
}

// Stats is a monitoring.StatsFunc for the periodic stats logger.
func (db *DB) Stats() map[string]any {
	n, err := db.FrameCount(context.Background())
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"frames":  n,
		"queued":  db.Queued(),
		"session": db.Session().String(),
	}
}

// AttachAdminRoutes mounts tailsql and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Radar frames",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("frames", "Most recent stored frames", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httputil.WriteJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}
		frames, err := db.RecentFrames(r.Context(), limit)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to query frames: %v", err))
			return
		}
		if frames == nil {
			frames = []FrameSummary{}
		}
		if err := httputil.WriteJSON(w, http.StatusOK, frames); err != nil {
			db.log.Warn().Err(err).Msg("failed to write frames response")
		}
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "mmwave-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			db.log.Warn().Err(err).Msg("failed to remove backup file")
		}
	}()

	name := fmt.Sprintf("backup-%d.db", db.clock.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, backupFile); err != nil {
		db.log.Error().Err(err).Msg("failed to write backup")
		return
	}
	if err := gz.Close(); err != nil {
		db.log.Error().Err(err).Msg("failed to finish backup")
	}
}
