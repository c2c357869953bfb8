// Package store persists scans and their pair results in SQLite so
// terminal scan reads survive process restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raysh454/rankscan/internal/logging"
	"github.com/raysh454/rankscan/internal/scan"
	"github.com/raysh454/rankscan/internal/spotify"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed schema.sql
var schemaFS embed.FS

// ErrScanNotFound is returned for unknown scan ids.
var ErrScanNotFound = errors.New("store: scan not found")

// Store is the SQLite-backed scan archive. Safe for concurrent use;
// database/sql serializes access and busy_timeout covers writer
// contention.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// Open creates the database file (and parent directory) if needed and
// applies the schema. path ":memory:" yields an in-process database.
func Open(path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewStdoutLogger("store")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("store opened", logging.Field{Key: "path", Value: path})
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func applySchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read schema.sql: %w", err)
	}
	if _, err := db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// CreateScan inserts the initial scan row.
func (s *Store) CreateScan(ctx context.Context, doc *scan.StatusDoc) error {
	countries, err := json.Marshal(doc.Countries)
	if err != nil {
		return fmt.Errorf("marshal countries: %w", err)
	}
	keywords, err := json.Marshal(doc.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scans (id, playlist_url, playlist_id, countries_json, keywords_json, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ScanID, doc.PlaylistURL, doc.PlaylistID,
		string(countries), string(keywords),
		string(doc.Status), doc.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// UpdateScanStatus writes the current status, metrics snapshot and
// playlist metadata back to the scan row.
func (s *Store) UpdateScanStatus(ctx context.Context, doc *scan.StatusDoc) error {
	var playlistJSON sql.NullString
	if doc.Playlist != nil {
		raw, err := json.Marshal(doc.Playlist)
		if err != nil {
			return fmt.Errorf("marshal playlist: %w", err)
		}
		playlistJSON = sql.NullString{String: string(raw), Valid: true}
	}
	var finishedAt sql.NullString
	if doc.FinishedAt != nil {
		finishedAt = sql.NullString{String: doc.FinishedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scans SET
			status = ?, error_message = ?, finished_at = ?,
			playlist_json = ?, follower_snapshot = ?,
			total_calls = ?, peak_rps = ?, avg_rps = ?,
			min_inter_start_s = ?, any_429_count = ?
		WHERE id = ?`,
		string(doc.Status), doc.ErrorMessage, finishedAt,
		playlistJSON, nullableInt(doc.FollowerSnapshot),
		doc.TotalCalls, nullableFloat(doc.PeakRPS), nullableFloat(doc.AvgRPS),
		nullableFloat(doc.MinInterStartS), doc.Any429Count,
		doc.ScanID)
	if err != nil {
		return fmt.Errorf("update scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrScanNotFound
	}
	return nil
}

// SavePairResult appends one pair result row.
func (s *Store) SavePairResult(ctx context.Context, scanID string, res scan.PairResult) error {
	rows, err := json.Marshal(res.Rows)
	if err != nil {
		return fmt.Errorf("marshal result rows: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_results (scan_id, country, keyword, searched_at, tracked_rank, found_top20, rows_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		scanID, res.Country, res.Keyword,
		res.SearchedAt.UTC().Format(time.RFC3339Nano),
		nullableInt(res.TrackedRank), boolToInt(res.FoundInTop20),
		string(rows), res.Error)
	if err != nil {
		return fmt.Errorf("insert pair result: %w", err)
	}
	return nil
}

// GetScan reassembles the status document for a scan, results included
// in insertion order.
func (s *Store) GetScan(ctx context.Context, scanID string) (*scan.StatusDoc, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT playlist_url, playlist_id, playlist_json, countries_json, keywords_json,
			status, error_message, started_at, finished_at, follower_snapshot,
			total_calls, peak_rps, avg_rps, min_inter_start_s, any_429_count
		FROM scans WHERE id = ?`, scanID)

	var (
		doc          = &scan.StatusDoc{ScanID: scanID}
		playlistJSON sql.NullString
		countries    string
		keywords     string
		status       string
		startedAt    string
		finishedAt   sql.NullString
		followers    sql.NullInt64
		peakRPS      sql.NullFloat64
		avgRPS       sql.NullFloat64
		minInter     sql.NullFloat64
	)
	err := row.Scan(&doc.PlaylistURL, &doc.PlaylistID, &playlistJSON, &countries, &keywords,
		&status, &doc.ErrorMessage, &startedAt, &finishedAt, &followers,
		&doc.TotalCalls, &peakRPS, &avgRPS, &minInter, &doc.Any429Count)
	if err == sql.ErrNoRows {
		return nil, ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scan: %w", err)
	}

	doc.Status = scan.Status(status)
	if err := json.Unmarshal([]byte(countries), &doc.Countries); err != nil {
		return nil, fmt.Errorf("unmarshal countries: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &doc.Keywords); err != nil {
		return nil, fmt.Errorf("unmarshal keywords: %w", err)
	}
	if playlistJSON.Valid {
		meta := &spotify.PlaylistMeta{}
		if err := json.Unmarshal([]byte(playlistJSON.String), meta); err != nil {
			return nil, fmt.Errorf("unmarshal playlist: %w", err)
		}
		doc.Playlist = meta
	}
	if doc.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		doc.FinishedAt = &t
	}
	if followers.Valid {
		v := int(followers.Int64)
		doc.FollowerSnapshot = &v
	}
	if peakRPS.Valid {
		doc.PeakRPS = &peakRPS.Float64
	}
	if avgRPS.Valid {
		doc.AvgRPS = &avgRPS.Float64
	}
	if minInter.Valid {
		doc.MinInterStartS = &minInter.Float64
	}

	doc.Results, err = s.scanResults(ctx, scanID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) scanResults(ctx context.Context, scanID string) ([]scan.PairResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, keyword, searched_at, tracked_rank, found_top20, rows_json, error
		FROM scan_results WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []scan.PairResult
	for rows.Next() {
		var (
			res         scan.PairResult
			searchedAt  string
			trackedRank sql.NullInt64
			found       int
			rowsJSON    string
		)
		if err := rows.Scan(&res.Country, &res.Keyword, &searchedAt, &trackedRank, &found, &rowsJSON, &res.Error); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		if res.SearchedAt, err = time.Parse(time.RFC3339Nano, searchedAt); err != nil {
			return nil, fmt.Errorf("parse searched_at: %w", err)
		}
		if trackedRank.Valid {
			v := int(trackedRank.Int64)
			res.TrackedRank = &v
		}
		res.FoundInTop20 = found != 0
		if err := json.Unmarshal([]byte(rowsJSON), &res.Rows); err != nil {
			return nil, fmt.Errorf("unmarshal result rows: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListScans returns scan summaries newest first, capped at limit.
// Results are not loaded.
func (s *Store) ListScans(ctx context.Context, limit int) ([]*scan.StatusDoc, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM scans ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*scan.StatusDoc, 0, len(ids))
	for _, id := range ids {
		doc, err := s.GetScan(ctx, id)
		if err != nil {
			return nil, err
		}
		doc.Results = nil
		out = append(out, doc)
	}
	return out, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
