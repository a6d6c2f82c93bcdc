package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReturnsRows(t *testing.T) {
	assert.True(t, returnsRows("SELECT 1"))
	assert.True(t, returnsRows("  select * from pg_stat_activity"))
	assert.True(t, returnsRows("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.True(t, returnsRows("EXPLAIN SELECT 1"))
	assert.False(t, returnsRows("UPDATE t SET a = 1"))
	assert.False(t, returnsRows("VACUUM ANALYZE t"))
	assert.False(t, returnsRows("DELETE FROM t WHERE id = 9"))
}

func TestDatabaseDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable",
		databaseDSN(Config{"dsn": "postgres://u:p@h:5432/d?sslmode=disable"}))

	cfg := Config{
		"host":        "db-01",
		"database":    "appdb",
		"port":        float64(5433),
		"credentials": map[string]any{"username": "ops", "password": "pw"},
	}
	assert.Equal(t, "postgres://ops:pw@db-01:5433/appdb", databaseDSN(cfg))

	// Defaults when credentials are absent.
	assert.Equal(t, "postgres://postgres@db-01:5432/appdb",
		databaseDSN(Config{"host": "db-01", "database": "appdb"}))

	// Incomplete blocks yield no DSN at all.
	assert.Empty(t, databaseDSN(Config{"host": "db-01"}))
	assert.Empty(t, databaseDSN(Config{"database": "appdb"}))
}
