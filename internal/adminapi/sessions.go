package adminapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wabridge/internal/session"
	"github.com/talkincode/wabridge/internal/webhook"
	"github.com/talkincode/wabridge/internal/webserver"
	"go.uber.org/zap"
)

type startPayload struct {
	SessionID    string `json:"sessionId"`
	WebhookURL   string `json:"webhookUrl"`
	WebhookToken string `json:"webhookToken"`
}

type sendPayload struct {
	SessionID string `json:"sessionId"`
	session.SendRequest
}

type groupPayload struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
}

type phonePayload struct {
	SessionID string `json:"sessionId"`
	Phone     string `json:"phone"`
}

func (a *Api) registerSessionRoutes() {
	webserver.ApiPOST("/sessions/start", a.startSession)
	webserver.ApiPOST("/sessions/send", a.sendMessage)
	webserver.ApiPOST("/sessions/group-metadata", a.groupMetadata)
	webserver.ApiPOST("/sessions/subscribe-presence", a.subscribePresence)
	webserver.ApiPOST("/sessions/contact-info", a.contactInfo)
	webserver.ApiPOST("/sessions/check-number", a.checkNumber)
	webserver.ApiGET("/sessions/:id/status", a.sessionStatus)
	webserver.ApiGET("/sessions/:id", a.sessionInfo)
	webserver.ApiDELETE("/sessions/:id", a.deleteSession)
}

func badBody(c echo.Context) error {
	return fail(c, http.StatusBadRequest, "Unable to parse request")
}

func (a *Api) startSession(c echo.Context) error {
	var payload startPayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	if payload.SessionID == "" {
		return failWith(c, session.ErrSessionIDRequired)
	}

	var ep *webhook.Endpoint
	if payload.WebhookURL != "" {
		ep = &webhook.Endpoint{URL: payload.WebhookURL, Token: payload.WebhookToken}
	}
	result, err := a.sessions.Start(c.Request().Context(), payload.SessionID, ep)
	if errors.Is(err, session.ErrStartTimeout) {
		// still loading; the caller polls status
		return ok(c, map[string]string{"error": err.Error()})
	}
	if err != nil {
		zap.L().Error("adminapi: start session",
			zap.String("session", payload.SessionID), zap.Error(err))
		return failWith(c, err)
	}
	if result.Status != session.StatusInitializing {
		a.audit(c, "start", payload.SessionID, "start session, status "+result.Status.String())
	}
	return ok(c, result)
}

func (a *Api) sendMessage(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	zap.L().Info("adminapi: send request",
		zap.String("session", payload.SessionID),
		zap.String("receiver", payload.Receiver),
		zap.Bool("media", payload.Media != nil && payload.Media.Data != ""))

	result, err := a.sessions.Send(c.Request().Context(), payload.SessionID, payload.SendRequest)
	if err != nil {
		zap.L().Warn("adminapi: send failed", zap.String("session", payload.SessionID), zap.Error(err))
		return failWith(c, err)
	}
	return ok(c, map[string]interface{}{
		"status":    "sent",
		"messageId": result.MessageID,
		"timestamp": result.Timestamp,
	})
}

func (a *Api) groupMetadata(c echo.Context) error {
	var payload groupPayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	meta, err := a.sessions.GroupMetadata(c.Request().Context(), payload.SessionID, payload.GroupID)
	if err != nil {
		return failWith(c, err)
	}
	return ok(c, map[string]interface{}{"status": "success", "metadata": meta})
}

func (a *Api) subscribePresence(c echo.Context) error {
	var payload phonePayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	if err := a.sessions.SubscribePresence(c.Request().Context(), payload.SessionID, payload.Phone); err != nil {
		return failWith(c, err)
	}
	return ok(c, map[string]string{"status": "success"})
}

func (a *Api) contactInfo(c echo.Context) error {
	var payload phonePayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	info, err := a.sessions.ContactInfo(c.Request().Context(), payload.SessionID, payload.Phone)
	if err != nil {
		return failWith(c, err)
	}
	resp := map[string]interface{}{
		"status": "success",
		"exists": info.Exists,
		"jid":    info.JID,
	}
	if info.ProfilePicture != "" {
		resp["profilePicture"] = info.ProfilePicture
	}
	if info.About != "" {
		resp["about"] = info.About
	}
	return ok(c, resp)
}

func (a *Api) checkNumber(c echo.Context) error {
	var payload phonePayload
	if err := c.Bind(&payload); err != nil {
		return badBody(c)
	}
	res, err := a.sessions.CheckNumber(c.Request().Context(), payload.SessionID, payload.Phone)
	if err != nil {
		return failWith(c, err)
	}
	return ok(c, map[string]interface{}{
		"status": "success",
		"exists": res.Exists,
		"jid":    res.JID,
	})
}

func (a *Api) sessionStatus(c echo.Context) error {
	status, err := a.sessions.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return failWith(c, err)
	}
	return ok(c, map[string]session.Status{"status": status})
}

func (a *Api) sessionInfo(c echo.Context) error {
	info, err := a.sessions.Info(c.Param("id"))
	if err != nil {
		return failWith(c, err)
	}
	return ok(c, info)
}

// deleteSession logs the session out and erases it. Unknown ids succeed.
func (a *Api) deleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := a.sessions.Delete(c.Request().Context(), id); err != nil {
		zap.L().Error("adminapi: delete session", zap.String("session", id), zap.Error(err))
		return failWith(c, err)
	}
	a.audit(c, "delete", id, "logout and erase session")
	return ok(c, map[string]string{"status": "logged out"})
}
