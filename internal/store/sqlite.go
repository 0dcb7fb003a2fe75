package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/careprice-cli/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. Monetary
// values are stored as TEXT in canonical decimal form; all ordering and
// arithmetic on them happens in Go.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path. ":memory:" is
// accepted for tests.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// The modernc driver serializes access per connection; a single
	// connection avoids SQLITE_BUSY between concurrent batches.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS providers (
	provider_id       TEXT PRIMARY KEY,
	provider_name     TEXT NOT NULL,
	provider_city     TEXT NOT NULL,
	provider_state    TEXT NOT NULL,
	provider_zip_code TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS procedures (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	drg_code        TEXT NOT NULL UNIQUE,
	drg_description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_procedures (
	provider_id               TEXT NOT NULL REFERENCES providers(provider_id),
	procedure_id              INTEGER NOT NULL REFERENCES procedures(id),
	total_discharges          INTEGER NOT NULL,
	average_covered_charges   TEXT NOT NULL,
	average_total_payments    TEXT NOT NULL,
	average_medicare_payments TEXT NOT NULL,
	PRIMARY KEY (provider_id, procedure_id)
);

CREATE TABLE IF NOT EXISTS ratings (
	provider_id TEXT PRIMARY KEY REFERENCES providers(provider_id),
	rating      INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 10)
);

CREATE INDEX IF NOT EXISTS idx_provider_procedures_procedure_id ON provider_procedures(procedure_id);
CREATE INDEX IF NOT EXISTS idx_providers_zip ON providers(provider_zip_code);
`

// Migrate applies the idempotent schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}

// Snapshot implements Store.
func (s *SQLiteStore) Snapshot(ctx context.Context, keys model.SnapshotKeys) (*model.Snapshot, error) {
	snap := model.NewSnapshot()

	if len(keys.ProviderIDs) > 0 {
		query := fmt.Sprintf(
			`SELECT provider_id, provider_name, provider_city, provider_state, provider_zip_code
			 FROM providers WHERE provider_id IN (%s)`, placeholders(len(keys.ProviderIDs)))
		rows, err := s.db.QueryContext(ctx, query, stringArgs(keys.ProviderIDs)...)
		if err != nil {
			return nil, mapSQLiteError(err, "sqlite: snapshot providers")
		}
		for rows.Next() {
			var p model.Provider
			if err := rows.Scan(&p.ProviderID, &p.Name, &p.City, &p.State, &p.ZipCode); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan provider")
			}
			snap.Providers[p.ProviderID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot providers iterate")
		}
	}

	if len(keys.DRGCodes) > 0 {
		query := fmt.Sprintf(
			`SELECT id, drg_code, drg_description FROM procedures WHERE drg_code IN (%s)`,
			placeholders(len(keys.DRGCodes)))
		rows, err := s.db.QueryContext(ctx, query, stringArgs(keys.DRGCodes)...)
		if err != nil {
			return nil, mapSQLiteError(err, "sqlite: snapshot procedures")
		}
		for rows.Next() {
			var p model.Procedure
			if err := rows.Scan(&p.ID, &p.DRGCode, &p.Description); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan procedure")
			}
			snap.Procedures[p.DRGCode] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot procedures iterate")
		}
	}

	if len(keys.ProviderIDs) > 0 {
		args := stringArgs(keys.ProviderIDs)

		query := fmt.Sprintf(
			`SELECT pp.provider_id, pr.drg_code, pp.procedure_id, pp.total_discharges,
			        pp.average_covered_charges, pp.average_total_payments, pp.average_medicare_payments
			 FROM provider_procedures pp
			 JOIN procedures pr ON pr.id = pp.procedure_id
			 WHERE pp.provider_id IN (%s)`, placeholders(len(keys.ProviderIDs)))
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, mapSQLiteError(err, "sqlite: snapshot facts")
		}
		for rows.Next() {
			var f model.ProviderProcedure
			var code, covered, total, medicare string
			if err := rows.Scan(&f.ProviderID, &code, &f.ProcedureID, &f.TotalDischarges,
				&covered, &total, &medicare); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "sqlite: scan fact")
			}
			if f.AvgCoveredCharges, err = decimal.NewFromString(covered); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "sqlite: parse covered charges for %s", f.ProviderID)
			}
			if f.AvgTotalPayments, err = decimal.NewFromString(total); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "sqlite: parse total payments for %s", f.ProviderID)
			}
			if f.AvgMedicarePayments, err = decimal.NewFromString(medicare); err != nil {
				rows.Close()
				return nil, eris.Wrapf(err, "sqlite: parse medicare payments for %s", f.ProviderID)
			}
			snap.Facts[model.FactKey{ProviderID: f.ProviderID, DRGCode: code}] = f
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot facts iterate")
		}

		query = fmt.Sprintf(`SELECT provider_id FROM ratings WHERE provider_id IN (%s)`,
			placeholders(len(keys.ProviderIDs)))
		ratingRows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, mapSQLiteError(err, "sqlite: snapshot ratings")
		}
		for ratingRows.Next() {
			var id string
			if err := ratingRows.Scan(&id); err != nil {
				ratingRows.Close()
				return nil, eris.Wrap(err, "sqlite: scan rating")
			}
			snap.Rated[id] = true
		}
		ratingRows.Close()
		if err := ratingRows.Err(); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot ratings iterate")
		}
	}

	return snap, nil
}

// ApplyBatch implements Store.
func (s *SQLiteStore) ApplyBatch(ctx context.Context, sets []model.WriteSet) error {
	if len(sets) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err, "sqlite: begin batch")
	}
	defer tx.Rollback() //nolint:errcheck

	newProcIDs := make(map[string]int64)

	for i := range sets {
		ws := &sets[i]

		if pw := ws.Provider; pw != nil {
			if pw.Update {
				_, err := tx.ExecContext(ctx,
					`UPDATE providers SET provider_name = ?, provider_city = ?, provider_state = ?, provider_zip_code = ?
					 WHERE provider_id = ?`,
					pw.Provider.Name, pw.Provider.City, pw.Provider.State, pw.Provider.ZipCode, pw.Provider.ProviderID,
				)
				if err != nil {
					return mapSQLiteError(err, "sqlite: update provider")
				}
			} else {
				_, err := tx.ExecContext(ctx,
					`INSERT INTO providers (provider_id, provider_name, provider_city, provider_state, provider_zip_code)
					 VALUES (?, ?, ?, ?, ?)`,
					pw.Provider.ProviderID, pw.Provider.Name, pw.Provider.City, pw.Provider.State, pw.Provider.ZipCode,
				)
				if err != nil {
					return mapSQLiteError(err, "sqlite: insert provider")
				}
			}
		}

		if pw := ws.Procedure; pw != nil {
			if pw.Update {
				_, err := tx.ExecContext(ctx,
					`UPDATE procedures SET drg_description = ? WHERE drg_code = ?`,
					pw.Procedure.Description, pw.Procedure.DRGCode,
				)
				if err != nil {
					return mapSQLiteError(err, "sqlite: update procedure")
				}
			} else {
				res, err := tx.ExecContext(ctx,
					`INSERT INTO procedures (drg_code, drg_description) VALUES (?, ?)`,
					pw.Procedure.DRGCode, pw.Procedure.Description,
				)
				if err != nil {
					return mapSQLiteError(err, "sqlite: insert procedure")
				}
				id, err := res.LastInsertId()
				if err != nil {
					return eris.Wrap(err, "sqlite: procedure last insert id")
				}
				newProcIDs[pw.Procedure.DRGCode] = id
			}
		}

		if fw := ws.Fact; fw != nil {
			procID := fw.ProcedureID
			if procID == 0 {
				procID = newProcIDs[fw.DRGCode]
			}
			if procID == 0 {
				return eris.Errorf("sqlite: no procedure id for DRG %s", fw.DRGCode)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO provider_procedures (provider_id, procedure_id, total_discharges,
				     average_covered_charges, average_total_payments, average_medicare_payments)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (provider_id, procedure_id) DO UPDATE SET
				     total_discharges = excluded.total_discharges,
				     average_covered_charges = excluded.average_covered_charges,
				     average_total_payments = excluded.average_total_payments,
				     average_medicare_payments = excluded.average_medicare_payments`,
				fw.ProviderID, procID, fw.TotalDischarges,
				fw.AvgCoveredCharges.String(), fw.AvgTotalPayments.String(), fw.AvgMedicarePayments.String(),
			)
			if err != nil {
				return mapSQLiteError(err, "sqlite: upsert fact")
			}
		}

		if rw := ws.Rating; rw != nil {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO ratings (provider_id, rating) VALUES (?, ?)
				 ON CONFLICT (provider_id) DO NOTHING`,
				rw.ProviderID, rw.Score,
			)
			if err != nil {
				return mapSQLiteError(err, "sqlite: insert rating")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return mapSQLiteError(err, "sqlite: commit batch")
	}
	return nil
}

// Facts implements Store.
func (s *SQLiteStore) Facts(ctx context.Context, filter FactFilter) ([]model.Fact, error) {
	query := `SELECT p.provider_id, p.provider_name, p.provider_city, p.provider_state, p.provider_zip_code,
	       pr.id, pr.drg_code, pr.drg_description,
	       pp.total_discharges, pp.average_covered_charges, pp.average_total_payments, pp.average_medicare_payments,
	       r.rating
	FROM provider_procedures pp
	JOIN providers p ON p.provider_id = pp.provider_id
	JOIN procedures pr ON pr.id = pp.procedure_id
	LEFT JOIN ratings r ON r.provider_id = p.provider_id`

	var args []any
	if filter.DRG != "" {
		query += ` WHERE pr.drg_code = ? OR LOWER(pr.drg_description) LIKE '%' || LOWER(?) || '%'`
		args = append(args, filter.DRG, filter.DRG)
	}
	query += ` ORDER BY p.provider_id, pr.drg_code`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLiteError(err, "sqlite: facts query")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var f model.Fact
		var covered, total, medicare string
		var rating sql.NullInt64
		if err := rows.Scan(
			&f.Provider.ProviderID, &f.Provider.Name, &f.Provider.City, &f.Provider.State, &f.Provider.ZipCode,
			&f.Procedure.ID, &f.Procedure.DRGCode, &f.Procedure.Description,
			&f.TotalDischarges, &covered, &total, &medicare,
			&rating,
		); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fact row")
		}
		if f.AvgCoveredCharges, err = decimal.NewFromString(covered); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse covered charges for %s", f.Provider.ProviderID)
		}
		if f.AvgTotalPayments, err = decimal.NewFromString(total); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse total payments for %s", f.Provider.ProviderID)
		}
		if f.AvgMedicarePayments, err = decimal.NewFromString(medicare); err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse medicare payments for %s", f.Provider.ProviderID)
		}
		if rating.Valid {
			score := int(rating.Int64)
			f.Rating = &score
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: facts iterate")
	}
	return facts, nil
}

// mapSQLiteError translates driver errors into the store's error kinds.
func mapSQLiteError(err error, msg string) error {
	text := err.Error()
	switch {
	case strings.Contains(text, "UNIQUE constraint failed"):
		return eris.Wrapf(ErrIntegrityConflict, "%s: %v", msg, err)
	case strings.Contains(text, "database is locked"), strings.Contains(text, "SQLITE_BUSY"):
		return eris.Wrapf(ErrStorageUnavailable, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}
