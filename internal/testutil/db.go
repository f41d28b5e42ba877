// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"inbox-sync-go/internal/db"
	"inbox-sync-go/internal/model"
)

var dbSeq atomic.Int64

// NewDB returns a migrated in-memory SQLite database private to the test.
// A single connection is used so concurrent callers serialize on it the
// way they would on row locks in a server database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	gdb, err := db.Open(sqlite.Open(dsn))
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// SeedChannel inserts a gmail channel for tenant
func SeedChannel(t *testing.T, gdb *gorm.DB, tenantID, address string, checkpoint uint64) *model.Channel {
	t.Helper()

	ch := &model.Channel{
		TenantID:      tenantID,
		Provider:      "gmail",
		EmailAddress:  address,
		CredentialRef: "default",
		Checkpoint:    checkpoint,
		PushEnabled:   true,
	}
	require.NoError(t, gdb.Create(ch).Error)
	return ch
}
