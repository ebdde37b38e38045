package app

import (
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/session"
	"go.uber.org/zap"
)

// checkSessions reconciles rows left behind by the previous process. No
// connection is live at boot, so a stored live status is stale until the
// replay brings the session back. Identity mappings of sessions that no
// longer exist are dropped.
func (a *Application) checkSessions() {
	live := []string{
		session.StatusConnected.String(),
		session.StatusConnecting.String(),
		session.StatusPairingRequired.String(),
	}
	res := a.gormDB.Model(&domain.WhatsAppSession{}).
		Where("status IN ?", live).
		Updates(map[string]interface{}{
			"status":     session.StatusDisconnected.String(),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		zap.L().Error("failed to reset session statuses", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		zap.L().Info("reset stale session statuses", zap.Int64("rows", res.RowsAffected))
	}

	known := a.gormDB.Model(&domain.WhatsAppSession{}).Select("session_id")
	res = a.gormDB.Where("session_id NOT IN (?)", known).Delete(&domain.IdentityMapping{})
	if res.Error != nil {
		zap.L().Error("failed to drop orphaned identity mappings", zap.Error(res.Error))
	} else if res.RowsAffected > 0 {
		zap.L().Info("dropped orphaned identity mappings", zap.Int64("rows", res.RowsAffected))
	}
}
