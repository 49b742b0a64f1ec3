// Package database provides integration tests for the persistence layer
// against a real PostgreSQL instance.
package database

import (
	"testing"

	"github.com/echolab/echoman/pkg/database"
	"github.com/echolab/echoman/test/util"
)

// NewTestClient returns a database client backed by an isolated schema
// with all migrations applied. Cleanup is registered on t.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	pool := util.SetupTestDatabase(t)
	return database.NewClientFromPool(pool)
}
