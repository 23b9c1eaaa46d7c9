package handler

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/response"
	"github.com/xxxsen/toolnav/internal/service"
)

type EmailChangeHandler struct {
	changes *service.EmailChangeService
}

func NewEmailChangeHandler(changes *service.EmailChangeService) *EmailChangeHandler {
	return &EmailChangeHandler{changes: changes}
}

type changeEmailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type revokeRequest struct {
	Token string `json:"token"`
}

func (h *EmailChangeHandler) Begin(c *gin.Context) {
	var req changeEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request")
		return
	}
	change, err := h.changes.Begin(c.Request.Context(), service.BeginEmailChangeInput{
		UserID:    getUserID(c),
		NewEmail:  req.Email,
		Code:      req.Code,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, change)
}

func (h *EmailChangeHandler) List(c *gin.Context) {
	items, err := h.changes.ListChanges(c.Request.Context(), getUserID(c))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, items)
}

func (h *EmailChangeHandler) Revoke(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, "invalid request")
		return
	}
	h.revoke(c, req.Token)
}

// RevokeLink serves the link mailed to the old address. It only renders a
// confirmation form; link scanners that prefetch it change nothing.
func (h *EmailChangeHandler) RevokeLink(c *gin.Context) {
	noStore(c)
	c.Render(http.StatusOK, render.HTML{
		Template: revokePages,
		Name:     "confirm",
		Data:     gin.H{"Token": c.Query("token"), "Action": c.Request.URL.Path + "/confirm"},
	})
}

// RevokeConfirm is the form post behind RevokeLink.
func (h *EmailChangeHandler) RevokeConfirm(c *gin.Context) {
	noStore(c)
	change, err := h.changes.Revoke(c.Request.Context(), c.PostForm("token"))
	data := gin.H{}
	switch {
	case err == nil:
		data["Message"] = "The email change was undone. Your sign-in email is " + change.OldEmail + " again, and all sessions were signed out."
	case errors.Is(err, appErr.ErrWindowElapsed):
		data["Message"] = "The window to undo this change has passed and the change is now final."
	case errors.Is(err, appErr.ErrTokenNotFound):
		data["Message"] = "This link is invalid or has already been used."
	default:
		logutil.GetLogger(c.Request.Context()).Error("revoke from link failed", zap.Error(err))
		data["Message"] = "Something went wrong, please try again later."
	}
	c.Render(http.StatusOK, render.HTML{Template: revokePages, Name: "result", Data: data})
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Referrer-Policy", "no-referrer")
	c.Header("X-Robots-Tag", "noindex")
}

func (h *EmailChangeHandler) revoke(c *gin.Context, token string) {
	change, err := h.changes.Revoke(c.Request.Context(), token)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"status": change.Status, "email": change.OldEmail})
}

var revokePages = template.Must(template.New("revoke").Parse(`
{{define "confirm"}}<!doctype html>
<html><head><meta charset="utf-8"><title>Undo email change</title></head>
<body>
<p>Someone changed the sign-in email of your account. If it was not you, undo the change below.</p>
<form method="post" action="{{.Action}}">
<input type="hidden" name="token" value="{{.Token}}">
<button type="submit">Undo email change</button>
</form>
</body></html>{{end}}
{{define "result"}}<!doctype html>
<html><head><meta charset="utf-8"><title>Undo email change</title></head>
<body><p>{{.Message}}</p></body></html>{{end}}`))
