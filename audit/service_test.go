package audit

import (
	"context"
	"testing"
	"time"

	"github.com/kasuganosora/hookhost/model"
	"github.com/kasuganosora/hookhost/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func TestNew_StartsWorker(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	require.NotNil(t, svc)
	svc.Stop(context.Background())
}

func TestLog_EnqueuedAndFlushed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())

	svc.Log(Entry{
		TraceID:    "0b5c-dispatch",
		Plugin:     "antiflood",
		Kind:       "chat",
		ClientID:   17,
		Action:     model.ActionPluginFault,
		Detail:     map[string]bool{"panic": true},
		Error:      "index out of range",
		DurationMs: 3,
	})
	svc.Stop(context.Background())

	var logs []model.AuditLog
	db.Find(&logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "0b5c-dispatch", logs[0].TraceID)
	assert.Equal(t, "antiflood", logs[0].Plugin)
	assert.Equal(t, uint32(17), logs[0].ClientID)
	assert.JSONEq(t, `{"panic":true}`, string(logs[0].Detail))
	assert.Equal(t, 3, logs[0].DurationMs)
}

func TestLog_BatchFlush(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	for i := 0; i < 150; i++ {
		svc.Log(Entry{Action: model.ActionPluginLoad, Plugin: "p"})
	}
	svc.Stop(context.Background())

	var count int64
	db.Model(&model.AuditLog{}).Count(&count)
	assert.Equal(t, int64(150), count)
}

func TestRecent_Filters(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Log(Entry{Action: model.ActionPluginLoad, Plugin: "a"})
	svc.Log(Entry{Action: model.ActionPluginFault, Plugin: "a"})
	svc.Log(Entry{Action: model.ActionPluginFault, Plugin: "b"})
	svc.Stop(context.Background())

	rows, err := svc.Recent(context.Background(), Query{Action: model.ActionPluginFault})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].Plugin, "newest first")

	rows, err = svc.Recent(context.Background(), Query{Plugin: "a", Limit: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ActionPluginFault, rows[0].Action)
}

func TestStop_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	svc.Stop(context.Background())
	svc.Stop(context.Background())
}

func TestLog_DropsWhenFull(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	for i := 0; i < 1030; i++ {
		svc.Log(Entry{Action: "flood"})
	}
	svc.Stop(context.Background())
}

func TestPrune(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := New(db, nop())
	defer svc.Stop(context.Background())

	old := &model.AuditLog{Plugin: "tempban", Action: model.ActionPluginLoad, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &model.AuditLog{Plugin: "tempban", Action: model.ActionPluginUnload, CreatedAt: time.Now()}
	require.NoError(t, db.Create(old).Error)
	require.NoError(t, db.Create(fresh).Error)

	n, err := svc.Prune(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := svc.Recent(context.Background(), Query{Plugin: "tempban"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ActionPluginUnload, rows[0].Action)
}
