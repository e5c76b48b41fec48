package streams

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamcast/portal/internal/models"
)

// ErrNotFound is returned when a stream does not exist.
var ErrNotFound = errors.New("stream not found")

// Repository handles streams persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streams repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const streamColumns = `id, title, description, is_live, playback_url, created_at, updated_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var s models.Stream
	err := row.Scan(&s.ID, &s.Title, &s.Description, &s.IsLive, &s.PlaybackURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Create inserts a new, offline stream.
func (r *Repository) Create(ctx context.Context, s *models.Stream) error {
	const q = `INSERT INTO streams (id, title, description, is_live, playback_url)
		VALUES (gen_random_uuid(), $1, $2, FALSE, $3)
		RETURNING ` + streamColumns
	created, err := scanStream(r.pool.QueryRow(ctx, q, s.Title, s.Description, s.PlaybackURL))
	if err != nil {
		return err
	}
	*s = *created
	return nil
}

// GetByID returns a stream by ID, or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	const q = `SELECT ` + streamColumns + ` FROM streams WHERE id = $1`
	return scanStream(r.pool.QueryRow(ctx, q, id))
}

// List returns streams, live ones first.
func (r *Repository) List(ctx context.Context, liveOnly bool) ([]models.Stream, error) {
	q := `SELECT ` + streamColumns + ` FROM streams`
	if liveOnly {
		q += ` WHERE is_live`
	}
	q += ` ORDER BY is_live DESC, updated_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListLiveIDs returns the ids of streams currently live.
func (r *Repository) ListLiveIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM streams WHERE is_live`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// SetLive flips is_live, e.g. when ingest starts or an operator stops the stream.
func (r *Repository) SetLive(ctx context.Context, id uuid.UUID, live bool) (*models.Stream, error) {
	const q = `UPDATE streams SET is_live = $1, updated_at = NOW() WHERE id = $2 RETURNING ` + streamColumns
	return scanStream(r.pool.QueryRow(ctx, q, live, id))
}
