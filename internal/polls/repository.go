package polls

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamcast/portal/internal/models"
)

var (
	// ErrNotFound is returned when a poll does not exist.
	ErrNotFound = errors.New("poll not found")
	// ErrAlreadyVoted is returned for a second vote by the same viewer on a poll.
	ErrAlreadyVoted = errors.New("already voted")
)

// Repository handles poll persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a polls repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a poll and its options in one transaction, filling in the generated ids.
func (r *Repository) Create(ctx context.Context, p *models.Poll) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const pollQuery = `INSERT INTO polls (id, stream_id, question, expires_at)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at`
	if err := tx.QueryRow(ctx, pollQuery, p.StreamID, p.Question, p.Deadline()).Scan(&p.ID, &p.CreatedAt); err != nil {
		return err
	}
	const optionQuery = `INSERT INTO poll_options (id, poll_id, position, text)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id`
	for i := range p.Options {
		if err := tx.QueryRow(ctx, optionQuery, p.ID, i, p.Options[i].Text).Scan(&p.Options[i].ID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetByID returns a poll with its current tallies.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Poll, error) {
	const query = `SELECT id, stream_id, question, expires_at, closed, created_at
		FROM polls WHERE id = $1`
	var (
		p         models.Poll
		expiresAt time.Time
	)
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&p.ID, &p.StreamID, &p.Question, &expiresAt, &p.Closed, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.ExpiresAt = expiresAt.Unix()

	const optionsQuery = `SELECT o.id, o.text, COUNT(v.viewer_id)
		FROM poll_options o
		LEFT JOIN poll_votes v ON v.option_id = o.id
		WHERE o.poll_id = $1
		GROUP BY o.id, o.text, o.position
		ORDER BY o.position`
	rows, err := r.pool.Query(ctx, optionsQuery, id)
	if err != nil {
		return nil, err
	}
	p.Options, err = pgx.CollectRows(rows, pgx.RowToStructByPos[models.PollOption])
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Active returns the newest open, unexpired poll of a stream, or nil.
func (r *Repository) Active(ctx context.Context, streamID uuid.UUID) (*models.Poll, error) {
	const query = `SELECT id FROM polls
		WHERE stream_id = $1 AND NOT closed AND expires_at > NOW()
		ORDER BY created_at DESC LIMIT 1`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, streamID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Close marks a poll closed. It reports false when the poll was already closed.
func (r *Repository) Close(ctx context.Context, id uuid.UUID) (bool, error) {
	const query = `UPDATE polls SET closed = TRUE, closed_at = NOW() WHERE id = $1 AND NOT closed`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Vote records a viewer's choice. One vote per viewer per poll.
func (r *Repository) Vote(ctx context.Context, pollID, optionID uuid.UUID, viewerID string) error {
	const query = `INSERT INTO poll_votes (poll_id, option_id, viewer_id) VALUES ($1, $2, $3)
		ON CONFLICT (poll_id, viewer_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, pollID, optionID, viewerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyVoted
	}
	return nil
}
