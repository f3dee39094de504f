package featurestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"camstitch/internal/config"
	"camstitch/internal/media"
	"camstitch/internal/services"
	"camstitch/internal/sqlitex"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// FileName is the feature cache database inside paths.cache_dir.
const FileName = "features.db"

// Store is the content-addressed feature vector cache. Entries are keyed by
// segment identity and extraction parameter hash and never rewritten.
type Store struct {
	db   *sql.DB
	path string
}

// Open connects to the feature cache under the configured cache directory.
func Open(cfg *config.Config) (*Store, error) {
	return OpenPath(filepath.Join(cfg.Paths.CacheDir, FileName))
}

// OpenPath connects to the feature cache at an explicit path.
func OpenPath(path string) (*Store, error) {
	db, err := sqlitex.Open(path)
	if err != nil {
		return nil, classify(err, "open")
	}
	if err := sqlitex.InitSchema(context.Background(), db, schemaSQL, schemaVersion); err != nil {
		_ = db.Close()
		return nil, classify(err, "init schema")
	}
	return &Store{db: db, path: path}, nil
}

func classify(err error, op string) error {
	if sqlitex.IsCorrupt(err) || errors.Is(err, sqlitex.ErrSchemaMismatch) {
		return services.Wrap(services.ErrStateCorruption, "featurestore", op, "feature cache unreadable", err)
	}
	return fmt.Errorf("featurestore %s: %w", op, err)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the cached vector for the key, reporting false on a miss.
func (s *Store) Get(ctx context.Context, segmentID, paramsHash string) (media.FeatureVector, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT vector_json FROM features WHERE segment_id = ? AND params_hash = ?`,
		segmentID, paramsHash,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return media.FeatureVector{}, false, nil
	}
	if err != nil {
		return media.FeatureVector{}, false, classify(err, "get")
	}
	var vec media.FeatureVector
	if err := json.Unmarshal(payload, &vec); err != nil {
		return media.FeatureVector{}, false, services.Wrap(services.ErrStateCorruption, "featurestore", "decode", segmentID, err)
	}
	return vec, true, nil
}

// Has reports whether a vector is cached for the key.
func (s *Store) Has(ctx context.Context, segmentID, paramsHash string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM features WHERE segment_id = ? AND params_hash = ?`,
		segmentID, paramsHash,
	).Scan(&count); err != nil {
		return false, classify(err, "has")
	}
	return count > 0, nil
}

// Put stores a vector. An existing entry for the same key is left untouched,
// so concurrent writers of the same deterministic result are harmless.
func (s *Store) Put(ctx context.Context, segmentID, paramsHash string, vec media.FeatureVector) error {
	payload, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode feature vector: %w", err)
	}
	if _, err := sqlitex.Exec(ctx, s.db,
		`INSERT OR IGNORE INTO features (segment_id, params_hash, vector_json, created_at) VALUES (?, ?, ?, ?)`,
		segmentID, paramsHash, payload, sqlitex.FormatTime(time.Now()),
	); err != nil {
		return classify(err, "put")
	}
	return nil
}

// GetMany loads every cached vector for the given segments under one
// parameter hash. Missing segments are absent from the result.
func (s *Store) GetMany(ctx context.Context, segmentIDs []string, paramsHash string) (map[string]media.FeatureVector, error) {
	out := make(map[string]media.FeatureVector, len(segmentIDs))
	for _, id := range segmentIDs {
		vec, ok, err := s.Get(ctx, id, paramsHash)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = vec
		}
	}
	return out, nil
}

// Missing returns the segments, in input order, that have no vector under
// paramsHash.
func (s *Store) Missing(ctx context.Context, segmentIDs []string, paramsHash string) ([]string, error) {
	var missing []string
	for _, id := range segmentIDs {
		ok, err := s.Has(ctx, id, paramsHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// Count returns the number of cached vectors.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM features`).Scan(&count); err != nil {
		return 0, classify(err, "count")
	}
	return count, nil
}

// Prune deletes vectors computed under parameter hashes other than keep.
func (s *Store) Prune(ctx context.Context, keep string) (int64, error) {
	res, err := sqlitex.Exec(ctx, s.db, `DELETE FROM features WHERE params_hash <> ?`, keep)
	if err != nil {
		return 0, classify(err, "prune")
	}
	return res.RowsAffected()
}
