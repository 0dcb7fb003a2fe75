package store

import (
	"context"
	"errors"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/careprice-cli/internal/db"
	"github.com/sells-group/careprice-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Monetary columns are NUMERIC; register the shopspring codec so
	// decimals survive both parameter binding and COPY.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS providers (
	provider_id       TEXT PRIMARY KEY,
	provider_name     TEXT NOT NULL,
	provider_city     TEXT NOT NULL,
	provider_state    TEXT NOT NULL,
	provider_zip_code TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS procedures (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	drg_code        TEXT NOT NULL UNIQUE,
	drg_description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_procedures (
	provider_id               TEXT NOT NULL REFERENCES providers(provider_id),
	procedure_id              BIGINT NOT NULL REFERENCES procedures(id),
	total_discharges          INTEGER NOT NULL,
	average_covered_charges   NUMERIC(14,2) NOT NULL,
	average_total_payments    NUMERIC(14,2) NOT NULL,
	average_medicare_payments NUMERIC(14,2) NOT NULL,
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
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return mapPgError(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// Snapshot implements Store.
func (s *PostgresStore) Snapshot(ctx context.Context, keys model.SnapshotKeys) (*model.Snapshot, error) {
	snap := model.NewSnapshot()

	if len(keys.ProviderIDs) > 0 {
		rows, err := s.pool.Query(ctx,
			`SELECT provider_id, provider_name, provider_city, provider_state, provider_zip_code
			 FROM providers WHERE provider_id = ANY($1)`,
			keys.ProviderIDs,
		)
		if err != nil {
			return nil, mapPgError(err, "postgres: snapshot providers")
		}
		for rows.Next() {
			var p model.Provider
			if err := rows.Scan(&p.ProviderID, &p.Name, &p.City, &p.State, &p.ZipCode); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan provider")
			}
			snap.Providers[p.ProviderID] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapPgError(err, "postgres: snapshot providers iterate")
		}
	}

	if len(keys.DRGCodes) > 0 {
		rows, err := s.pool.Query(ctx,
			`SELECT id, drg_code, drg_description FROM procedures WHERE drg_code = ANY($1)`,
			keys.DRGCodes,
		)
		if err != nil {
			return nil, mapPgError(err, "postgres: snapshot procedures")
		}
		for rows.Next() {
			var p model.Procedure
			if err := rows.Scan(&p.ID, &p.DRGCode, &p.Description); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan procedure")
			}
			snap.Procedures[p.DRGCode] = p
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapPgError(err, "postgres: snapshot procedures iterate")
		}
	}

	if len(keys.ProviderIDs) > 0 {
		// Facts and ratings are keyed per provider; loading the full
		// provider slice is a superset of the requested fact keys.
		rows, err := s.pool.Query(ctx,
			`SELECT pp.provider_id, pr.drg_code, pp.procedure_id, pp.total_discharges,
			        pp.average_covered_charges, pp.average_total_payments, pp.average_medicare_payments
			 FROM provider_procedures pp
			 JOIN procedures pr ON pr.id = pp.procedure_id
			 WHERE pp.provider_id = ANY($1)`,
			keys.ProviderIDs,
		)
		if err != nil {
			return nil, mapPgError(err, "postgres: snapshot facts")
		}
		for rows.Next() {
			var f model.ProviderProcedure
			var code string
			if err := rows.Scan(&f.ProviderID, &code, &f.ProcedureID, &f.TotalDischarges,
				&f.AvgCoveredCharges, &f.AvgTotalPayments, &f.AvgMedicarePayments); err != nil {
				rows.Close()
				return nil, eris.Wrap(err, "postgres: scan fact")
			}
			snap.Facts[model.FactKey{ProviderID: f.ProviderID, DRGCode: code}] = f
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapPgError(err, "postgres: snapshot facts iterate")
		}

		ratingRows, err := s.pool.Query(ctx,
			`SELECT provider_id FROM ratings WHERE provider_id = ANY($1)`,
			keys.ProviderIDs,
		)
		if err != nil {
			return nil, mapPgError(err, "postgres: snapshot ratings")
		}
		for ratingRows.Next() {
			var id string
			if err := ratingRows.Scan(&id); err != nil {
				ratingRows.Close()
				return nil, eris.Wrap(err, "postgres: scan rating")
			}
			snap.Rated[id] = true
		}
		ratingRows.Close()
		if err := ratingRows.Err(); err != nil {
			return nil, mapPgError(err, "postgres: snapshot ratings iterate")
		}
	}

	return snap, nil
}

// ApplyBatch implements Store. All writes run in one transaction; fact
// rows go through a COPY-backed bulk upsert.
func (s *PostgresStore) ApplyBatch(ctx context.Context, sets []model.WriteSet) error {
	if len(sets) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPgError(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Procedure IDs assigned inside this transaction, keyed by DRG code.
	newProcIDs := make(map[string]int64)

	for i := range sets {
		ws := &sets[i]

		if pw := ws.Provider; pw != nil {
			if pw.Update {
				_, err := tx.Exec(ctx,
					`UPDATE providers SET provider_name = $2, provider_city = $3, provider_state = $4, provider_zip_code = $5
					 WHERE provider_id = $1`,
					pw.Provider.ProviderID, pw.Provider.Name, pw.Provider.City, pw.Provider.State, pw.Provider.ZipCode,
				)
				if err != nil {
					return mapPgError(err, "postgres: update provider")
				}
			} else {
				_, err := tx.Exec(ctx,
					`INSERT INTO providers (provider_id, provider_name, provider_city, provider_state, provider_zip_code)
					 VALUES ($1, $2, $3, $4, $5)`,
					pw.Provider.ProviderID, pw.Provider.Name, pw.Provider.City, pw.Provider.State, pw.Provider.ZipCode,
				)
				if err != nil {
					return mapPgError(err, "postgres: insert provider")
				}
			}
		}

		if pw := ws.Procedure; pw != nil {
			if pw.Update {
				_, err := tx.Exec(ctx,
					`UPDATE procedures SET drg_description = $2 WHERE drg_code = $1`,
					pw.Procedure.DRGCode, pw.Procedure.Description,
				)
				if err != nil {
					return mapPgError(err, "postgres: update procedure")
				}
			} else {
				var id int64
				err := tx.QueryRow(ctx,
					`INSERT INTO procedures (drg_code, drg_description) VALUES ($1, $2) RETURNING id`,
					pw.Procedure.DRGCode, pw.Procedure.Description,
				).Scan(&id)
				if err != nil {
					return mapPgError(err, "postgres: insert procedure")
				}
				newProcIDs[pw.Procedure.DRGCode] = id
			}
		}
	}

	factRows, err := collectFactRows(sets, newProcIDs)
	if err != nil {
		return err
	}
	if len(factRows) > 0 {
		_, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
			Table:        "provider_procedures",
			Columns:      []string{"provider_id", "procedure_id", "total_discharges", "average_covered_charges", "average_total_payments", "average_medicare_payments"},
			ConflictKeys: []string{"provider_id", "procedure_id"},
		}, factRows)
		if err != nil {
			return mapPgError(err, "postgres: upsert facts")
		}
	}

	for i := range sets {
		rw := sets[i].Rating
		if rw == nil {
			continue
		}
		// DO NOTHING keeps an existing rating untouched if another
		// batch won the insert race.
		_, err := tx.Exec(ctx,
			`INSERT INTO ratings (provider_id, rating) VALUES ($1, $2) ON CONFLICT (provider_id) DO NOTHING`,
			rw.ProviderID, rw.Score,
		)
		if err != nil {
			return mapPgError(err, "postgres: insert rating")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err, "postgres: commit batch")
	}
	return nil
}

// collectFactRows flattens fact writes into upsert rows, resolving
// procedure IDs assigned earlier in the transaction. A batch may carry
// several writes for the same (provider, DRG) pair; a single INSERT
// source must not touch one conflict row twice, so the last write for
// a pair replaces the earlier ones.
func collectFactRows(sets []model.WriteSet, newProcIDs map[string]int64) ([][]any, error) {
	var factRows [][]any
	rowIdx := make(map[model.FactKey]int)
	for i := range sets {
		fw := sets[i].Fact
		if fw == nil {
			continue
		}
		procID := fw.ProcedureID
		if procID == 0 {
			procID = newProcIDs[fw.DRGCode]
		}
		if procID == 0 {
			return nil, eris.Errorf("postgres: no procedure id for DRG %s", fw.DRGCode)
		}
		row := []any{
			fw.ProviderID, procID, fw.TotalDischarges,
			fw.AvgCoveredCharges, fw.AvgTotalPayments, fw.AvgMedicarePayments,
		}
		key := model.FactKey{ProviderID: fw.ProviderID, DRGCode: fw.DRGCode}
		if j, ok := rowIdx[key]; ok {
			factRows[j] = row
			continue
		}
		rowIdx[key] = len(factRows)
		factRows = append(factRows, row)
	}
	return factRows, nil
}

// Facts implements Store.
func (s *PostgresStore) Facts(ctx context.Context, filter FactFilter) ([]model.Fact, error) {
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
		query += ` WHERE pr.drg_code = $1 OR pr.drg_description ILIKE '%' || $1 || '%'`
		args = append(args, filter.DRG)
	}
	query += ` ORDER BY p.provider_id, pr.drg_code`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapPgError(err, "postgres: facts query")
	}
	defer rows.Close()

	var facts []model.Fact
	for rows.Next() {
		var f model.Fact
		if err := rows.Scan(
			&f.Provider.ProviderID, &f.Provider.Name, &f.Provider.City, &f.Provider.State, &f.Provider.ZipCode,
			&f.Procedure.ID, &f.Procedure.DRGCode, &f.Procedure.Description,
			&f.TotalDischarges, &f.AvgCoveredCharges, &f.AvgTotalPayments, &f.AvgMedicarePayments,
			&f.Rating,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fact row")
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPgError(err, "postgres: facts iterate")
	}
	return facts, nil
}

// mapPgError translates driver errors into the store's error kinds.
func mapPgError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return eris.Wrapf(ErrIntegrityConflict, "%s: %s", msg, pgErr.Detail)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return eris.Wrapf(ErrIntegrityConflict, "%s: %s", msg, pgErr.Message)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return eris.Wrap(err, msg)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return eris.Wrapf(ErrStorageUnavailable, "%s: %v", msg, err)
	}
	return eris.Wrap(err, msg)
}
