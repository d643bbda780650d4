package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

func str(v string) *string { return &v }

var noString = (*string)(nil)

// newMockStore returns a store whose schema is already current.
func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(len(migrations)))

	st, err := NewWithPool(context.Background(), mock, nil)
	require.NoError(t, err)
	return st, mock
}

func adRow(id int64, url string) []any {
	return []any{id, "Controller", "Teilzeit", "ACME", "Wien", url, "<html></html>", 200, "karriere", "",
		time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

var adColumns = []string{"id", "title", "description", "company", "location", "url", "html_body",
	"http_status", "ad_type", "filename", "created_at"}

func TestMigrateAppliesPendingSteps(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(3))

	mock.ExpectBegin()
	mock.ExpectExec("RENAME COLUMN status TO http_status").WillReturnResult(pgxmock.NewResult("DO", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(4, migrations[3].Description).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS keyword_analysis").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(5, migrations[4].Description).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err = NewWithPool(context.Background(), mock, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateStopsOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(4))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS keyword_analysis").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = NewWithPool(context.Background(), mock, nil)
	var se *crawler.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "migrate", se.Op)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentStoresNewRow(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	ad := crawler.Advertisement{
		Title:      "Controller",
		URL:        "https://www.karriere.at/jobs/1",
		HTMLBody:   "<html></html>",
		HTTPStatus: 200,
		AdType:     "karriere",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO advertisements").
		WithArgs(str("Controller"), noString, noString, noString, ad.URL, ad.HTMLBody, 200, str("karriere"), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	stored, id, err := st.InsertIfAbsent(context.Background(), ad)
	require.NoError(t, err)
	require.True(t, stored)
	require.EqualValues(t, 11, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIfAbsentReturnsExistingID(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	url := "https://www.karriere.at/jobs/1"

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO advertisements").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM advertisements WHERE url").WithArgs(url).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectCommit()

	stored, id, err := st.InsertIfAbsent(context.Background(), crawler.Advertisement{URL: url, HTMLBody: "x"})
	require.NoError(t, err)
	require.False(t, stored)
	require.EqualValues(t, 4, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM advertisements WHERE id").WithArgs(int64(42)).
		WillReturnError(pgx.ErrNoRows)

	_, err := st.Get(context.Background(), 42)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestGetBatchNumbersParameters(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery(`WHERE id >= \$1 AND id <= \$2 AND id > \$3 ORDER BY id LIMIT \$4`).
		WithArgs(int64(10), int64(20), int64(12), 2).
		WillReturnRows(pgxmock.NewRows(adColumns).
			AddRow(adRow(13, "https://example.com/13")...).
			AddRow(adRow(14, "https://example.com/14")...))

	ads, err := st.GetBatch(context.Background(), crawler.Range{Min: 10, Max: 20}, 12, 2)
	require.NoError(t, err)
	require.Len(t, ads, 2)
	require.EqualValues(t, 13, ads[0].ID)
	require.Equal(t, "Wien", ads[1].Location)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFetchStatusMissingRow(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectExec("UPDATE advertisements SET http_status").
		WithArgs(503, noString, int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.UpdateFetchStatus(context.Background(), 9, 503, "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRecordAnalysisWritesMarkerWithMatches(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_advertisement").WithArgs([]int64{1, 3}, int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO keyword_analysis").WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, st.RecordAnalysis(context.Background(), 7, []int64{1, 3}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAnalysisRollsBackOnError(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_analysis").WithArgs(int64(7)).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := st.RecordAnalysis(context.Background(), 7, nil)
	var se *crawler.StorageError
	require.ErrorAs(t, err, &se)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveClassificationReplacesLabels(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM advertisement_classification").WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("INSERT INTO advertisement_classification").WithArgs(int64(42), "education", "vocational", 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO advertisement_classification").WithArgs(int64(42), "employment", "full_time", 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := st.SaveClassification(context.Background(), 42, []crawler.Label{
		{Category: "education", Rule: "vocational"},
		{Category: "employment", Rule: "full_time"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	t.Parallel()

	st, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"a", "b", "c", "d"}).AddRow(int64(3), int64(2), int64(5), int64(1)))
	mock.ExpectQuery("GROUP BY").
		WillReturnRows(pgxmock.NewRows([]string{"ad_type", "count"}).
			AddRow("karriere", int64(2)).
			AddRow("stepstone", int64(1)))

	stats, err := st.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.Advertisements)
	require.EqualValues(t, 5, stats.Matches)
	require.Equal(t, map[string]int64{"karriere": 2, "stepstone": 1}, stats.ByAdType)
	require.NoError(t, mock.ExpectationsWereMet())
}
