package adminapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ServiceName = "WhatsApp Bridge"
	Version     = "1.0.0"
)

// Sessions is the part of the session registry the api drives.
type Sessions interface {
	Start(ctx context.Context, id string, ep *webhook.Endpoint) (session.StartResult, error)
	Send(ctx context.Context, id string, req session.SendRequest) (session.SendResult, error)
	Status(ctx context.Context, id string) (session.Status, error)
	Info(id string) (session.Info, error)
	Stats() session.Stats
	GroupMetadata(ctx context.Context, id, groupID string) (session.GroupMetadata, error)
	SubscribePresence(ctx context.Context, id, receiver string) error
	ContactInfo(ctx context.Context, id, phone string) (session.ContactInfo, error)
	CheckNumber(ctx context.Context, id, phone string) (session.NumberCheck, error)
	Delete(ctx context.Context, id string) error
}

type Api struct {
	sessions Sessions
	db       *gorm.DB
	started  time.Time
}

var _ Sessions = (*session.Registry)(nil)

func NewApi(sessions Sessions, db *gorm.DB) *Api {
	return &Api{sessions: sessions, db: db, started: time.Now()}
}

// Init registers every route on the process web server.
func Init(sessions Sessions, db *gorm.DB) {
	a := NewApi(sessions, db)
	a.registerServiceRoutes()
	a.registerSessionRoutes()
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// failWith answers with the status that matches err.
func failWith(c echo.Context, err error) error {
	return fail(c, statusOf(err), err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionIDRequired),
		errors.Is(err, session.ErrInvalidSessionID),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrInvalidReceiver),
		errors.Is(err, session.ErrInvalidMedia):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// audit records a management operation. Failures are only logged.
func (a *Api) audit(c echo.Context, action, target, desc string) {
	if a.db == nil {
		return
	}
	log := &domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprIp:     c.RealIP(),
		OptAction: action,
		OptTarget: target,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}
	if err := a.db.WithContext(c.Request().Context()).Create(log).Error; err != nil {
		zap.L().Warn("adminapi: write operation log",
			zap.String("action", action),
			zap.String("session", target),
			zap.Error(err))
	}
}
