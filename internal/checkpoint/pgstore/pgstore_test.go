package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewWithPool(mock, "stage_checkpoints", "docs"), mock
}

func TestInitSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stage_checkpoints")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.InitSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave(t *testing.T) {
	s, mock := newMockStore(t)
	id := stageid.MustParse("8.5")
	payload := []byte(`{"n":1}`)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_checkpoints")).
		WithArgs("docs", "8_5", 8, 5, 1, payload).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), id, payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveConflictIsErrExists(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_checkpoints")).
		WithArgs("docs", "1", 1, 0, 0, []byte("x")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.Save(context.Background(), stageid.Int(1), []byte("x"))
	assert.ErrorIs(t, err, checkpoint.ErrExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stage_checkpoints")).
		WithArgs("docs", "1", 1, 0, 0, []byte("x")).
		WillReturnError(errors.New("connection reset"))

	err := s.Save(context.Background(), stageid.Int(1), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, checkpoint.ErrExists)
}

func TestHas(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("docs", "3").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.Has(context.Background(), stageid.Int(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload FROM stage_checkpoints WHERE namespace = $1 AND stage_key = $2")).
		WithArgs("docs", "2").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow([]byte("two")))

	got, err := s.Load(context.Background(), stageid.Int(2))
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload")).
		WithArgs("docs", "9").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Load(context.Background(), stageid.Int(9))
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestIDs(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT stage_key FROM stage_checkpoints WHERE namespace = $1")).
		WithArgs("docs").
		WillReturnRows(pgxmock.NewRows([]string{"stage_key"}).
			AddRow("3").
			AddRow("1").
			AddRow("2_5").
			AddRow("garbage"))

	ids, err := s.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []stageid.ID{stageid.Int(1), stageid.MustParse("2.5"), stageid.Int(3)}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
