package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"ocpihub/backend/services/ocpi-service/internal/models"
)

// Schema creates the resource table. Payload is stored as json so the canonical bytes survive.
const Schema = `
CREATE TABLE IF NOT EXISTS ocpi_resources (
	kind         TEXT        NOT NULL,
	country_code TEXT        NOT NULL,
	party_id     TEXT        NOT NULL,
	id           TEXT        NOT NULL,
	payload      JSON        NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	etag         TEXT        NOT NULL,
	PRIMARY KEY (kind, country_code, party_id, id)
);
CREATE INDEX IF NOT EXISTS ocpi_resources_last_updated_idx ON ocpi_resources (kind, last_updated);
`

const resourceColumns = `kind, country_code, party_id, id, payload, last_updated, etag`

type resourceRow struct {
	Kind        string    `db:"kind"`
	CountryCode string    `db:"country_code"`
	PartyID     string    `db:"party_id"`
	ID          string    `db:"id"`
	Payload     []byte    `db:"payload"`
	LastUpdated time.Time `db:"last_updated"`
	ETag        string    `db:"etag"`
}

func (r resourceRow) toResource() models.VersionedResource {
	return models.VersionedResource{
		Key: models.ResourceKey{
			CountryCode: r.CountryCode,
			PartyID:     r.PartyID,
			Kind:        models.ResourceKind(r.Kind),
			ID:          r.ID,
		},
		Payload:     r.Payload,
		LastUpdated: r.LastUpdated.UTC(),
		ETag:        r.ETag,
	}
}

// PostgresStore persists resources in PostgreSQL. Mutations hold a transaction scoped advisory
// lock on the key, so writers of a key that has no row yet are serialized too.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore returns repository.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresStore) TryGet(ctx context.Context, key models.ResourceKey) (models.VersionedResource, error) {
	root := key.Root()
	const query = `SELECT ` + resourceColumns + ` FROM ocpi_resources
		WHERE kind = $1 AND country_code = $2 AND party_id = $3 AND id = $4`
	var row resourceRow
	err := s.db.GetContext(ctx, &row, query, string(root.Kind), root.CountryCode, root.PartyID, root.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VersionedResource{}, ErrNotFound
	}
	if err != nil {
		return models.VersionedResource{}, fmt.Errorf("select resource: %w", err)
	}
	return row.toResource(), nil
}

func (s *PostgresStore) AddOrUpdate(ctx context.Context, res models.VersionedResource, allowDowngrade bool) (WriteResult, error) {
	return s.Mutate(ctx, res.Key, GuardedWrite(res, allowDowngrade))
}

func (s *PostgresStore) Mutate(ctx context.Context, key models.ResourceKey, fn MutateFunc) (WriteResult, error) {
	root := key.Root()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const lockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`
	if _, err := tx.ExecContext(ctx, lockQuery, root.String()); err != nil {
		return WriteResult{}, fmt.Errorf("lock key: %w", err)
	}

	const selectQuery = `SELECT ` + resourceColumns + ` FROM ocpi_resources
		WHERE kind = $1 AND country_code = $2 AND party_id = $3 AND id = $4
		FOR UPDATE`
	var (
		row     resourceRow
		current *models.VersionedResource
	)
	err = tx.GetContext(ctx, &row, selectQuery, string(root.Kind), root.CountryCode, root.PartyID, root.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return WriteResult{}, fmt.Errorf("lock resource: %w", err)
	default:
		res := row.toResource()
		current = &res
	}

	next, err := fn(current)
	if err != nil {
		return WriteResult{}, err
	}
	next.Key = root

	const upsert = `
		INSERT INTO ocpi_resources (` + resourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kind, country_code, party_id, id) DO UPDATE SET
			payload = EXCLUDED.payload,
			last_updated = EXCLUDED.last_updated,
			etag = EXCLUDED.etag
	`
	if _, err := tx.ExecContext(ctx, upsert,
		string(root.Kind),
		root.CountryCode,
		root.PartyID,
		root.ID,
		string(next.Payload),
		next.LastUpdated,
		next.ETag,
	); err != nil {
		return WriteResult{}, fmt.Errorf("upsert resource: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("commit: %w", err)
	}
	return WriteResult{Resource: next, Created: current == nil}, nil
}

func (s *PostgresStore) Remove(ctx context.Context, key models.ResourceKey) error {
	root := key.Root()
	const query = `DELETE FROM ocpi_resources WHERE kind = $1 AND country_code = $2 AND party_id = $3 AND id = $4`
	result, err := s.db.ExecContext(ctx, query, string(root.Kind), root.CountryCode, root.PartyID, root.ID)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// List pushes the column filters and pagination into SQL. A Predicate can only be evaluated in
// process, so in that case every column match is loaded and paginated here.
func (s *PostgresStore) List(ctx context.Context, filter Filter) (Page, error) {
	where, args := filter.where()

	if filter.Predicate != nil {
		rows, err := s.selectRows(ctx, `SELECT `+resourceColumns+` FROM ocpi_resources WHERE `+where+
			` ORDER BY last_updated, country_code, party_id, id`, args...)
		if err != nil {
			return Page{}, err
		}
		matched := make([]models.VersionedResource, 0, len(rows))
		for _, res := range rows {
			if filter.Predicate(res) {
				matched = append(matched, res)
			}
		}
		return Page{Items: paginate(matched, filter.Offset, filter.Limit), Total: len(matched)}, nil
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM ocpi_resources WHERE `+where, args...); err != nil {
		return Page{}, fmt.Errorf("count resources: %w", err)
	}

	query := `SELECT ` + resourceColumns + ` FROM ocpi_resources WHERE ` + where +
		` ORDER BY last_updated, country_code, party_id, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	items, err := s.selectRows(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	return Page{Items: items, Total: total}, nil
}

func (s *PostgresStore) selectRows(ctx context.Context, query string, args ...any) ([]models.VersionedResource, error) {
	var rows []resourceRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select resources: %w", err)
	}
	items := make([]models.VersionedResource, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toResource())
	}
	return items, nil
}

func (f Filter) where() (string, []any) {
	clauses := []string{"kind = $1"}
	args := []any{string(f.Kind)}
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.CountryCode != "" {
		add("country_code = $%d", f.CountryCode)
	}
	if f.PartyID != "" {
		add("party_id = $%d", f.PartyID)
	}
	if f.ID != "" {
		add("id = $%d", f.ID)
	}
	if !f.DateFrom.IsZero() {
		add("last_updated >= $%d", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		add("last_updated < $%d", f.DateTo)
	}
	return strings.Join(clauses, " AND "), args
}
