package disclosure

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockIndex(t *testing.T, driver string) (*SQLIndex, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLIndex{db: db, postgres: driver == "postgres"}, mock
}

func TestSQLIndex_Rebind(t *testing.T) {
	sqlite := &SQLIndex{postgres: false}
	assert.Equal(t, "SELECT ? WHERE a = ?", sqlite.rebind("SELECT ? WHERE a = ?"))

	pg := &SQLIndex{postgres: true}
	assert.Equal(t, "SELECT $1 WHERE a = $2", pg.rebind("SELECT ? WHERE a = ?"))
}

func TestSQLIndex_LoadAbsentKey(t *testing.T) {
	idx, mock := newMockIndex(t, "sqlite")

	mock.ExpectQuery(`SELECT built_at FROM search_meta`).
		WithArgs("key-1").
		WillReturnError(sql.ErrNoRows)

	got, err := idx.Load(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_LoadMaterializedIndex(t *testing.T) {
	idx, mock := newMockIndex(t, "sqlite")

	mock.ExpectQuery(`SELECT built_at FROM search_meta`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"built_at"}).AddRow(int64(1756166400000)))
	mock.ExpectQuery(`SELECT pos, id, kind, title, subtitle, detail, search_text`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows(
			[]string{"pos", "id", "kind", "title", "subtitle", "detail", "search_text"}).
			AddRow(0, "event:evt-1", DocKindEvent, "Autumn Fair", "Green School", "published", "autumn fair"))
	mock.ExpectQuery(`SELECT token, pos FROM search_tokens`).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"token", "pos"}).
			AddRow("autumn", 0).
			AddRow("fair", 0))

	got, err := idx.Load(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.docs, 1)
	assert.Equal(t, "Autumn Fair", got.docs[0].Title)
	assert.Equal(t, []int{0}, got.tokens["autumn"])

	hits := got.search("autumn", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "event:evt-1", hits[0].Document.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_StoreWritesAndPrunes(t *testing.T) {
	idx, mock := newMockIndex(t, "sqlite")

	built := &builtIndex{
		docs: []Document{{
			ID: "event:evt-1", Kind: DocKindEvent,
			Title: "Autumn Fair", Subtitle: "Green School",
			Detail: "published", SearchText: "autumn fair",
		}},
		tokens: map[string][]int{"autumn": {0}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM search_meta`).WithArgs("key-new").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM search_docs`).WithArgs("key-new").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM search_tokens`).WithArgs("key-new").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO search_meta`).
		WithArgs("key-new", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO search_docs`).
		WithArgs("key-new", 0, "event:evt-1", DocKindEvent, "Autumn Fair", "Green School", "published", "autumn fair").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO search_tokens`).
		WithArgs("key-new", "autumn", 0).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Six stored keys: the oldest one is pruned from all three tables.
	pruneRows := sqlmock.NewRows([]string{"index_key"})
	for _, k := range []string{"key-new", "k5", "k4", "k3", "k2", "k-old"} {
		pruneRows.AddRow(k)
	}
	mock.ExpectQuery(`SELECT index_key FROM search_meta ORDER BY built_at DESC`).
		WillReturnRows(pruneRows)
	mock.ExpectExec(`DELETE FROM search_meta`).WithArgs("k-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM search_docs`).WithArgs("k-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM search_tokens`).WithArgs("k-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, idx.Store(context.Background(), "key-new", built))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLIndex_StoreRollsBackOnWriteFailure(t *testing.T) {
	idx, mock := newMockIndex(t, "sqlite")

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM search_meta`).WithArgs("key-1").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := idx.Store(context.Background(), "key-1", &builtIndex{tokens: map[string][]int{}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
