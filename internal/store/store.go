package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

// ErrIdentityNotFound is returned when an id does not exist in the gallery.
var ErrIdentityNotFound = errors.New("identity not found")

// Identity is one enrolled face.
type Identity struct {
	ID        int
	Name      string
	Dim       int
	HasCrop   bool
	CreatedAt time.Time
}

// Neighbor is a gallery hit ordered by L2 distance.
type Neighbor struct {
	ID       int
	Name     string
	Distance float64
}

// Gallery is the set of operations the recognizer and the CLI need from a
// face store.
type Gallery interface {
	Insert(ctx context.Context, name string, vec []float32, crop []byte) (int, error)
	Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error)
	ListIdentities(ctx context.Context) ([]Identity, error)
	Crop(ctx context.Context, id int) ([]byte, error)
	RenameIdentity(ctx context.Context, id int, name string) error
	DeleteIdentity(ctx context.Context, id int) error
	Reset(ctx context.Context) error
	Close(ctx context.Context)
}

// Store keeps the gallery in PostgreSQL with pgvector. A pool is used because
// the detection loop and the control API query concurrently.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the gallery table and vector extension if they don't exist.
// The embedding column is left unsized so any model dimension fits.
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			embedding VECTOR NOT NULL,
			crop BYTEA,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS identities_name_idx ON identities (name);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connections.
func (s *Store) Close(ctx context.Context) {
	s.pool.Close()
}

// Insert enrolls a new face and returns its id.
func (s *Store) Insert(ctx context.Context, name string, vec []float32, crop []byte) (int, error) {
	var id int
	err := s.pool.QueryRow(ctx,
		"INSERT INTO identities (name, embedding, crop) VALUES ($1, $2::vector, $3) RETURNING id",
		name, pgvector.NewVector(vec), crop,
	).Scan(&id)
	return id, err
}

// Nearest returns up to k identities ordered by L2 distance to vec.
// Rows whose dimension differs from vec are skipped.
func (s *Store) Nearest(ctx context.Context, vec []float32, k int) ([]Neighbor, error) {
	// <-> is the Euclidean distance operator in pgvector
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, embedding <-> $1::vector AS distance
		FROM identities
		WHERE vector_dims(embedding) = $2
		ORDER BY distance ASC
		LIMIT $3
	`, pgvector.NewVector(vec), len(vec), k)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Neighbor, error) {
		var n Neighbor
		err := row.Scan(&n.ID, &n.Name, &n.Distance)
		return n, err
	})
}

// ListIdentities returns every enrolled face, oldest first.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, vector_dims(embedding), crop IS NOT NULL, created_at
		FROM identities
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Identity, error) {
		var i Identity
		err := row.Scan(&i.ID, &i.Name, &i.Dim, &i.HasCrop, &i.CreatedAt)
		return i, err
	})
}

// Crop returns the JPEG thumbnail stored with an identity, if any.
func (s *Store) Crop(ctx context.Context, id int) ([]byte, error) {
	var crop []byte
	err := s.pool.QueryRow(ctx, "SELECT crop FROM identities WHERE id = $1", id).Scan(&crop)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	return crop, err
}

// RenameIdentity updates the name of an enrolled face.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// DeleteIdentity removes an enrolled face.
func (s *Store) DeleteIdentity(ctx context.Context, id int) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// Reset empties the gallery and restarts id numbering.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE identities RESTART IDENTITY")
	return err
}
