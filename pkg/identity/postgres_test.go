package identity

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/keel/pkg/apperr"
)

const (
	pgAlice = "00000000-0000-0000-0000-00000000000a"
	pgGroup = "00000000-0000-0000-0000-0000000000e0"
)

var userCols = []string{"id", "name", "external_id", "is_admin", "password_hash", "created_at", "updated_at"}

func TestPostgresStore_CreateUserConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs(pgAlice, "alice", "alice@example.com", false, "", at, at).
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).CreateUser(context.Background(), &User{
		ID: pgAlice, Name: "alice", ExternalID: "alice@example.com", CreatedAt: at, UpdatedAt: at,
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUserByExternalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE external_id = $1")).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow(pgAlice, "alice", "alice@example.com", true, "hash", at, at))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE external_id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows(userCols))

	store := NewPostgresStore(db)
	u, err := store.GetUserByExternalID(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, pgAlice, u.ID)
	assert.True(t, u.IsAdmin)

	_, err = store.GetUserByExternalID(context.Background(), "ghost")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresStore_CreateGroupWithAdmin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO groups")).
		WithArgs(pgGroup, "eng", at, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO group_members")).
		WithArgs(pgGroup, pgAlice, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewPostgresStore(db).CreateGroup(context.Background(), &Group{ID: pgGroup, Name: "eng", CreatedAt: at, UpdatedAt: at}, pgAlice)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RemoveMissingMember(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM group_members")).
		WithArgs(pgGroup, pgAlice).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPostgresStore(db).RemoveMember(context.Background(), pgGroup, pgAlice)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPostgresStore_GroupsOf(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT group_id FROM group_members WHERE user_id = $1")).
		WithArgs(pgAlice).
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(pgGroup))

	store := NewPostgresStore(db)
	groups, err := store.GroupsOf(context.Background(), pgAlice)
	require.NoError(t, err)
	assert.Equal(t, []string{pgGroup}, groups)

	// non-user principals skip the query
	groups, err = store.GroupsOf(context.Background(), "system")
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateServiceAccountRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM service_accounts WHERE id = $1 FOR UPDATE")).
		WithArgs(pgAlice).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "is_admin", "secret_key_hash", "created_at", "updated_at"}).
			AddRow(pgAlice, "ci", false, "old", at, at))
	mock.ExpectRollback()

	boom := errors.New("boom")
	_, err = NewPostgresStore(db).UpdateServiceAccount(context.Background(), pgAlice, func(*ServiceAccount) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
