package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/pkg/metrics"
)

type fixedStats session.Stats

func (s fixedStats) Stats() session.Stats {
	return session.Stats(s)
}

func testConfig(t *testing.T) *config.AppConfig {
	cfg := *config.DefaultAppConfig
	cfg.System.Workdir = t.TempDir()
	cfg.System.LogRetentionDays = 7
	cfg.Database.Name = "test.db"
	return &cfg
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	cfg := testConfig(t)
	db, err := getDatabase(cfg.Database, cfg.System.Workdir)
	require.NoError(t, err)

	a := NewApplication(cfg)
	a.OverrideDB(db)
	require.NoError(t, a.MigrateDB(false))
	return a
}

func TestGetDatabaseSqliteFile(t *testing.T) {
	dir := t.TempDir()
	db, err := getDatabase(config.DBConfig{Type: "sqlite", Name: "bridge.db", MaxConn: 2}, dir)
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE t (id INTEGER)").Error)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	info, err := os.Stat(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
}

func TestInitReconcilesSessions(t *testing.T) {
	a := newTestApp(t)
	db := a.DB()

	rows := []domain.WhatsAppSession{
		{ID: 1, SessionID: "live", Status: session.StatusConnected.String()},
		{ID: 2, SessionID: "pairing", Status: session.StatusPairingRequired.String()},
		{ID: 3, SessionID: "gone", Status: session.StatusRemoved.String()},
	}
	require.NoError(t, db.Create(&rows).Error)
	require.NoError(t, db.Create(&[]domain.IdentityMapping{
		{ID: 1, SessionID: "live", Lid: "111", Phone: "15551234567", Source: "query"},
		{ID: 2, SessionID: "deleted", Lid: "222", Phone: "15557654321", Source: "query"},
	}).Error)

	require.NoError(t, a.Init())
	t.Cleanup(func() {
		<-a.Scheduler().Stop().Done()
	})

	status := func(id string) string {
		var row domain.WhatsAppSession
		require.NoError(t, db.Where("session_id = ?", id).First(&row).Error)
		return row.Status
	}
	assert.Equal(t, "Disconnected", status("live"))
	assert.Equal(t, "Disconnected", status("pairing"))
	assert.Equal(t, "Removed", status("gone"))

	var mappings []domain.IdentityMapping
	require.NoError(t, db.Find(&mappings).Error)
	require.Len(t, mappings, 1)
	assert.Equal(t, "live", mappings[0].SessionID)

	assert.Len(t, a.Scheduler().Entries(), 2)
}

func TestClearExpireData(t *testing.T) {
	a := newTestApp(t)
	db := a.DB()
	now := time.Now()

	require.NoError(t, db.Create(&[]domain.SessionEventLog{
		{ID: 1, SessionID: "s1", ToStatus: "Connected", CreatedAt: now.AddDate(0, 0, -8)},
		{ID: 2, SessionID: "s1", ToStatus: "Disconnected", CreatedAt: now.AddDate(0, 0, -1)},
	}).Error)
	require.NoError(t, db.Create(&[]domain.SysOprLog{
		{ID: 1, OptAction: "start", OptTarget: "s1", OptTime: now.AddDate(-2, 0, 0)},
		{ID: 2, OptAction: "delete", OptTarget: "s1", OptTime: now},
	}).Error)

	a.SchedClearExpireData()

	count := func(model interface{}) int64 {
		var n int64
		require.NoError(t, db.Model(model).Count(&n).Error)
		return n
	}
	assert.Equal(t, int64(1), count(&domain.SessionEventLog{}))
	assert.Equal(t, int64(1), count(&domain.SysOprLog{}))
}

func TestSessionMonitorTask(t *testing.T) {
	a := NewApplication(testConfig(t))
	a.SchedSessionMonitorTask()

	a.WatchSessions(fixedStats{Total: 4, Connected: 2, Disconnected: 1, QRPending: 1})
	a.SchedSessionMonitorTask()

	assert.Equal(t, int64(4), metrics.GetGauge(metrics.GaugeSessionsTotal))
	assert.Equal(t, int64(2), metrics.GetGauge(metrics.GaugeSessionsUp))
	assert.Equal(t, int64(1), metrics.GetGauge(metrics.GaugeSessionsDown))
	assert.Equal(t, int64(1), metrics.GetGauge(metrics.GaugeSessionsQR))
}

func TestProcessMonitorRecordsRSS(t *testing.T) {
	a := NewApplication(testConfig(t))
	a.SchedProcessMonitorTask()
	assert.Positive(t, metrics.GetGauge(metrics.GaugeProcessRSS))
}

func TestDropAll(t *testing.T) {
	a := newTestApp(t)
	a.DropAll()
	for _, table := range domain.Tables {
		assert.False(t, a.DB().Migrator().HasTable(table))
	}
}
