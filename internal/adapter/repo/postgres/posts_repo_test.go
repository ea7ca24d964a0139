package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subdigest/subdigest/internal/domain"
)

// fakePool scripts Exec/QueryRow responses for the unit tests; the
// transactional paths are covered by integration-style tests elsewhere.
type fakePool struct {
	execErr  error
	execSQL  []string
	execArgs [][]any
	row      pgx.Row
}

func (f *fakePool) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not scripted")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("not scripted") }

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

func TestPostRepo_Create_GeneratesID(t *testing.T) {
	pool := &fakePool{}
	repo := NewPostRepo(pool)

	id, err := repo.Create(context.Background(), domain.Post{
		SourcePostID: "abcdef",
		Subreddit:    "golang",
		Title:        "t",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, pool.execArgs, 1)
	// defaults applied
	assert.Contains(t, pool.execArgs[0], domain.PostCollected)
	assert.Contains(t, pool.execArgs[0], domain.TakedownActive)
}

func TestPostRepo_Create_DuplicateMapsToIntegrity(t *testing.T) {
	pool := &fakePool{execErr: &pgconn.PgError{Code: uniqueViolation}}
	repo := NewPostRepo(pool)

	_, err := repo.Create(context.Background(), domain.Post{SourcePostID: "abcdef"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestPostRepo_Create_OtherErrorPropagates(t *testing.T) {
	pool := &fakePool{execErr: assert.AnError}
	repo := NewPostRepo(pool)

	_, err := repo.Create(context.Background(), domain.Post{SourcePostID: "abcdef"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrIntegrity)
	assert.Contains(t, err.Error(), "op=post.create")
}

func TestPostRepo_Get_NoRowsMapsToNotFound(t *testing.T) {
	pool := &fakePool{row: errRow{err: pgx.ErrNoRows}}
	repo := NewPostRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostRepo_GetBySourcePostID_NoRowsMapsToNotFound(t *testing.T) {
	pool := &fakePool{row: errRow{err: pgx.ErrNoRows}}
	repo := NewPostRepo(pool)

	_, err := repo.GetBySourcePostID(context.Background(), "abcdef")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostRepo_UpdateProcessed_RejectsBadTagCount(t *testing.T) {
	repo := NewPostRepo(&fakePool{})
	p := domain.Post{ID: "p1", Tags: []string{"only", "two"}}
	err := repo.UpdateProcessed(context.Background(), p, domain.ProcessingLog{PostID: "p1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPostRepo_UpdatePublished_RequiresBlogPostID(t *testing.T) {
	repo := NewPostRepo(&fakePool{})
	err := repo.UpdatePublished(context.Background(), domain.Post{ID: "p1"}, domain.ProcessingLog{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
