package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/kasuganosora/hookhost/cache"
	"github.com/kasuganosora/hookhost/config"
	dbadapter "github.com/kasuganosora/hookhost/db"
	"github.com/kasuganosora/hookhost/host"
	"github.com/kasuganosora/hookhost/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TestHostVersion is the build string of images made by NewTestImage.
const TestHostVersion = "4.0.0-test"

// SetupTestDB creates a named in-memory SQLite database and runs AutoMigrate.
// Each test gets its own database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	}, zap.NewNop())
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache opens the in-process cache backend (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	b, err := cache.Open(config.CacheConfig{})
	require.NoError(t, err, "SetupTestCache: Open")
	t.Cleanup(func() { _ = b.Close() })
	return b.Cache, b.PubSub
}

// Logger returns a development logger for tests.
func Logger() *zap.Logger {
	l, _ := zap.NewDevelopment()
	return l
}

// HostFunc is one function of a test image.
type HostFunc struct {
	Symbol host.Symbol
	Body   host.Fn
}

// NewTestImage builds a host image containing funcs at consecutive addresses
// with a conventional frame-setup prologue.
func NewTestImage(t *testing.T, funcs ...HostFunc) *host.Image {
	t.Helper()
	const base = 0x6000000
	im := host.NewImage(TestHostVersion, base, 0x10000)
	prologue := []byte{0x55, 0x8B, 0xEC, 0x83, 0xEC, 0x10}
	for i, f := range funcs {
		sym := f.Symbol
		if sym.Addr == 0 {
			sym.Addr = uintptr(base + 0x100*(i+1))
		}
		if sym.Size == 0 {
			sym.Size = 64
		}
		body := f.Body
		if body == nil {
			body = func(context.Context, any) any { return nil }
		}
		require.NoError(t, im.Define(sym, prologue, body), "NewTestImage: %s", sym.Name)
	}
	return im
}
