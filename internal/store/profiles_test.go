package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"matchmaking-workers/internal/common/logger"
	"matchmaking-workers/internal/matching"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var profileCols = []string{"id", "bio", "embedding", "interests", "age", "location", "visibility"}

func setupStore(t *testing.T) (*ProfileStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewProfileStore(db, logger.NewTestLogger(t)), mock
}

func TestProfileStore_Get(t *testing.T) {
	s, mock := setupStore(t)

	rows := sqlmock.NewRows(profileCols).AddRow(
		"user-a",
		"weekend hiker",
		[]byte("[0.1,0.2,0.3]"),
		"{hiking,cooking}",
		int64(28),
		" 94110 ",
		[]byte(`{"bio":true,"interests":true,"age":false,"location":true,"photos":true}`),
	)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfileByID)).WithArgs("user-a").WillReturnRows(rows)

	p, err := s.Get(context.Background(), "user-a")
	require.NoError(t, err)

	assert.Equal(t, "user-a", p.ID)
	assert.Equal(t, "weekend hiker", p.Bio)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, p.Embedding)
	assert.Equal(t, []string{"hiking", "cooking"}, p.Interests)
	require.NotNil(t, p.Age)
	assert.Equal(t, 28, *p.Age)
	assert.Equal(t, "94110", p.Location)
	assert.Equal(t, matching.Visibility{
		matching.FieldBio:       true,
		matching.FieldInterests: true,
		matching.FieldLocation:  true,
	}, p.Visibility)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_Get_NullColumns(t *testing.T) {
	s, mock := setupStore(t)

	rows := sqlmock.NewRows(profileCols).AddRow("user-b", nil, nil, nil, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfileByID)).WithArgs("user-b").WillReturnRows(rows)

	p, err := s.Get(context.Background(), "user-b")
	require.NoError(t, err)

	assert.Empty(t, p.Bio)
	assert.Nil(t, p.Embedding)
	assert.Empty(t, p.Interests)
	assert.Nil(t, p.Age)
	assert.Nil(t, p.Visibility, "missing settings share nothing")
}

func TestProfileStore_Get_NotFound(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfileByID)).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileStore_Get_QueryError(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfileByID)).WithArgs("a").WillReturnError(errors.New("connection reset"))

	_, err := s.Get(context.Background(), "a")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileStore_Get_BadVisibility(t *testing.T) {
	s, mock := setupStore(t)
	rows := sqlmock.NewRows(profileCols).AddRow("a", nil, nil, nil, nil, nil, []byte(`not-json`))
	mock.ExpectQuery(regexp.QuoteMeta(queryProfileByID)).WithArgs("a").WillReturnRows(rows)

	p, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, p.Visibility, "malformed settings share nothing")
}

func TestProfileStore_GetMany(t *testing.T) {
	s, mock := setupStore(t)

	rows := sqlmock.NewRows(profileCols).
		AddRow("c", nil, nil, "{jazz}", nil, nil, nil).
		AddRow("a", nil, nil, "{yoga}", nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfilesByIDs)).WillReturnRows(rows)

	profiles, missing, err := s.GetMany(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, profiles, 2)
	assert.Equal(t, "a", profiles[0].ID)
	assert.Equal(t, "c", profiles[1].ID)
	assert.Equal(t, []string{"b"}, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_GetMany_Empty(t *testing.T) {
	s, mock := setupStore(t)
	profiles, missing, err := s.GetMany(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, profiles)
	assert.Nil(t, missing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_ListOthersAndAttendees(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(queryOtherProfiles)).
		WithArgs("me", 50).
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("x", nil, nil, nil, nil, nil, nil).
			AddRow("y", nil, nil, nil, nil, nil, nil))

	mock.ExpectQuery(regexp.QuoteMeta(queryEventAttendees)).
		WithArgs("evt-1", "me", 10).
		WillReturnRows(sqlmock.NewRows(profileCols).AddRow("z", nil, nil, nil, nil, nil, nil))

	others, err := s.ListOthers(context.Background(), "me", 50)
	require.NoError(t, err)
	assert.Len(t, others, 2)

	attendees, err := s.ListEventAttendees(context.Background(), "evt-1", "me", 10)
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	assert.Equal(t, "z", attendees[0].ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_ListOthers_RowError(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryOtherProfiles)).
		WithArgs("me", 5).
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("x", nil, nil, nil, nil, nil, nil).
			RowError(0, errors.New("broken row")))

	_, err := s.ListOthers(context.Background(), "me", 5)
	assert.Error(t, err)
}

func TestProfileStore_ListOthers_MalformedRows(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryOtherProfiles)).
		WithArgs("me", 10).
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("good-1", nil, nil, "{jazz}", nil, nil, []byte(`{"interests":true}`)).
			AddRow("bad-2", nil, nil, "{yoga}", nil, nil, []byte(`{"interests":tru`)).
			AddRow("bad-3", nil, []byte("[0.1,oops]"), nil, nil, nil, nil).
			AddRow("good-4", nil, nil, nil, nil, nil, nil))

	profiles, err := s.ListOthers(context.Background(), "me", 10)
	require.NoError(t, err)

	require.Len(t, profiles, 3)
	assert.Equal(t, "good-1", profiles[0].ID)
	assert.Equal(t, matching.Visibility{matching.FieldInterests: true}, profiles[0].Visibility)
	assert.Equal(t, "bad-2", profiles[1].ID)
	assert.Equal(t, []string{"yoga"}, profiles[1].Interests)
	assert.Nil(t, profiles[1].Visibility)
	assert.Equal(t, "good-4", profiles[2].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileStore_GetMany_UnreadableRowIsMissing(t *testing.T) {
	s, mock := setupStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(queryProfilesByIDs)).
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("a", nil, nil, nil, nil, nil, nil).
			AddRow("b", nil, []byte("[0.1,oops]"), nil, nil, nil, nil))

	profiles, missing, err := s.GetMany(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "a", profiles[0].ID)
	assert.Equal(t, []string{"b"}, missing)
}

func TestProfileStore_UpdateEmbedding(t *testing.T) {
	s, mock := setupStore(t)

	mock.ExpectExec(regexp.QuoteMeta(updateEmbedding)).
		WithArgs("a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(updateEmbedding)).
		WithArgs("ghost", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(clearEmbedding)).
		WithArgs("a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateEmbedding(context.Background(), "a", []float32{1, 2, 3}))
	assert.ErrorIs(t, s.UpdateEmbedding(context.Background(), "ghost", []float32{1}), ErrProfileNotFound)
	require.NoError(t, s.ClearEmbedding(context.Background(), "a"))

	assert.NoError(t, mock.ExpectationsWereMet())
}
