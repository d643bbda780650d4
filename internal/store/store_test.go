package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/config"
	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

func TestOpenSQLite(t *testing.T) {
	t.Parallel()

	st, err := Open(context.Background(), config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "c.db")}, nil)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Ping(context.Background()))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.DBConfig{Driver: "mysql"}, nil)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "db.driver", cfgErr.Entity)
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), config.DBConfig{Driver: "postgres"}, nil)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}
