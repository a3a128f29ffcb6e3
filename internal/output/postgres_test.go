package output

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresSinkUpdateTab(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ctx := context.Background()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_values").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	sink, err := NewPostgresSinkWithDB(ctx, mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM harvest_values").
		WithArgs("national").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO harvest_values").
		WithArgs("national", 1, "iso3", "#country+code", "AFG").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO harvest_values").
		WithArgs("national", 1, "Population", "#population", "38041754").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rows := [][]any{
		{"iso3", "Population"},
		{"#country+code", "#population"},
		{"AFG", int64(38041754)},
	}
	require.NoError(t, sink.UpdateTab("national", rows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkRejectsShortTab(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS harvest_values").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	sink, err := NewPostgresSinkWithDB(context.Background(), mock)
	require.NoError(t, err)

	assert.Error(t, sink.UpdateTab("national", [][]any{{"iso3"}}))
}
