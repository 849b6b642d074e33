package sqlrepo

import (
	"testing"

	"github.com/raakeshmj/entitlements/internal/db"
	"github.com/raakeshmj/entitlements/internal/repository/repotest"
)

func openTestDB(t *testing.T) *Repository {
	t.Helper()
	conn, err := db.Open(db.DriverSQLite, "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("db.Open failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return New(conn)
}

func TestRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Repos {
		r := openTestDB(t)
		return repotest.Repos{Users: r, Questions: r, Windows: r}
	})
}
