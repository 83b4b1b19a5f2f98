// Package samples serves band aggregates from pre-baked outcome samples
// stored in SQLite files.
package samples

import (
	"context"
	"database/sql"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
	"go.uber.org/zap"

	"github.com/kartoza/policy-proof/internal/analysis"
)

// SourceName identifies the store in results and metrics.
const SourceName = "samples"

// Schema is the table every sample database must provide. geom is an
// optional (E)WKB point that takes precedence over lon/lat, including for
// the bounding box filter.
const Schema = `CREATE TABLE samples (
	year   INTEGER NOT NULL,
	signal TEXT    NOT NULL,
	lon    REAL    NOT NULL,
	lat    REAL    NOT NULL,
	value  REAL,
	geom   BLOB
)`

const sampleQuery = `SELECT lon, lat, value, geom FROM samples
	WHERE (? = 0 OR year = ?)
	  AND (? = '' OR signal = ?)
	  AND (geom IS NOT NULL OR (lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?))
	ORDER BY rowid`

// Store manages read-only access to sample databases.
type Store struct {
	databases map[string]*sql.DB
	mu        sync.RWMutex
}

// Open scans the given directories for .sqlite files with a samples table.
// Files without one are skipped with a warning. The store is returned even
// when nothing was loaded so callers can decide whether that is fatal.
func Open(dirs ...string) (*Store, error) {
	store := &Store{
		databases: make(map[string]*sql.DB),
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			zap.L().Warn("samples: read directory", zap.String("dir", dir), zap.Error(err))
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sqlite") {
				continue
			}

			name := strings.TrimSuffix(entry.Name(), ".sqlite")
			if _, exists := store.databases[name]; exists {
				continue
			}

			dbPath := filepath.Join(dir, entry.Name())
			db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
			if err != nil {
				zap.L().Warn("samples: open database", zap.String("name", name), zap.Error(err))
				continue
			}

			var count int
			err = db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND name='samples'").Scan(&count)
			if err != nil || count == 0 {
				zap.L().Warn("samples: no samples table, skipping", zap.String("name", name), zap.String("path", dbPath))
				_ = db.Close()
				continue
			}

			store.databases[name] = db
			zap.L().Info("samples: loaded dataset", zap.String("name", name), zap.String("path", dbPath))
		}
	}

	if len(store.databases) == 0 {
		return store, eris.New("samples: no valid .sqlite sample files found")
	}
	return store, nil
}

// Name implements analysis.OutcomeSource.
func (s *Store) Name() string { return SourceName }

// Reduce averages every sample whose signed distance falls inside q.Band.
func (s *Store) Reduce(ctx context.Context, q analysis.BandQuery) (analysis.BandValue, error) {
	if q.Boundary == nil {
		return analysis.BandValue{}, eris.New("samples: boundary is required")
	}

	bound := q.Boundary.Bound(math.Max(0, -q.Band.LoKm))

	var sum float64
	var n int
	for _, name := range s.ListDatasets() {
		s.mu.RLock()
		db, ok := s.databases[name]
		s.mu.RUnlock()
		if !ok {
			continue
		}

		bandSum, bandN, err := reduceDB(ctx, db, q, bound)
		if err != nil {
			return analysis.BandValue{}, analysis.Unavailable(SourceName, eris.Wrapf(err, "samples: query %s", name))
		}
		sum += bandSum
		n += bandN
	}

	if n == 0 {
		return analysis.BandValue{}, nil
	}
	mean := sum / float64(n)
	return analysis.BandValue{Value: &mean, Count: n}, nil
}

func reduceDB(ctx context.Context, db *sql.DB, q analysis.BandQuery, bound orb.Bound) (float64, int, error) {
	rows, err := db.QueryContext(ctx, sampleQuery,
		q.Year, q.Year,
		q.Signal, q.Signal,
		bound.Min[0], bound.Max[0],
		bound.Min[1], bound.Max[1],
	)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var sum float64
	var n int
	for rows.Next() {
		var lon, lat float64
		var value sql.NullFloat64
		var blob []byte
		if err := rows.Scan(&lon, &lat, &value, &blob); err != nil {
			return 0, 0, err
		}
		if !value.Valid || math.IsNaN(value.Float64) || math.IsInf(value.Float64, 0) {
			continue
		}

		p := orb.Point{lon, lat}
		if len(blob) > 0 {
			if gp, ok := decodePoint(blob); ok {
				p = gp
			}
		}
		if !bound.Contains(p) {
			continue
		}

		d := q.Boundary.SignedDistanceKm(p)
		if d >= q.Band.LoKm && d < q.Band.HiKm {
			sum += value.Float64
			n++
		}
	}
	return sum, n, rows.Err()
}

func decodePoint(blob []byte) (orb.Point, bool) {
	g, err := ewkb.Unmarshal(blob)
	if err != nil {
		zap.L().Debug("samples: skipping undecodable geom", zap.Error(err))
		return orb.Point{}, false
	}
	pt, ok := g.(*geom.Point)
	if !ok || pt.Empty() {
		return orb.Point{}, false
	}
	return orb.Point{pt.X(), pt.Y()}, true
}

// ListDatasets returns the names of all loaded sample files in sorted order.
func (s *Store) ListDatasets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all open database connections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, db := range s.databases {
		if err := db.Close(); err != nil {
			zap.L().Error("samples: close database", zap.String("name", name), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "samples: close %s", name)
			}
		}
	}
	s.databases = make(map[string]*sql.DB)
	return firstErr
}
