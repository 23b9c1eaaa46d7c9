package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/middleware"
	"github.com/xxxsen/toolnav/internal/pkg/errcode"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/response"
)

func getUserID(c *gin.Context) string {
	return c.GetString(middleware.ContextUserIDKey)
}

func invalidRequest(c *gin.Context, msg string) {
	response.Error(c, errcode.ErrInvalid, msg)
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logger := logutil.GetLogger(c.Request.Context()).With(
		zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.String("user_id", getUserID(c)),
	)
	if te, ok := appErr.AsThrottled(err); ok {
		c.Header("Retry-After", strconv.FormatInt(te.RemainingSeconds, 10))
		response.Error(c, errcode.ErrTooMany, te.Error())
		return
	}
	if le, ok := appErr.AsLocked(err); ok {
		if le.RemainingSeconds > 0 {
			c.Header("Retry-After", strconv.FormatInt(le.RemainingSeconds, 10))
		}
		response.Error(c, errcode.ErrAccountLocked, le.Error())
		return
	}
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.Error(c, errcode.ErrUnauthorized, "invalid credentials")
	case errors.Is(err, appErr.ErrForbidden):
		response.Error(c, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrDisabled):
		response.Error(c, errcode.ErrAccountDisabled, "account disabled")
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, "invalid request")
	case errors.Is(err, appErr.ErrValidation):
		response.Error(c, errcode.ErrValidation, "validation failed")
	case errors.Is(err, appErr.ErrValueInUse):
		response.Error(c, errcode.ErrValueInUse, "email already in use")
	case errors.Is(err, appErr.ErrConflict):
		response.Error(c, errcode.ErrConflict, "conflict")
	case errors.Is(err, appErr.ErrChangePending):
		response.Error(c, errcode.ErrChangePending, "an email change is still revocable, try again after it settles")
	case errors.Is(err, appErr.ErrTokenNotFound):
		response.Error(c, errcode.ErrTokenNotFound, "revoke token not found or already used")
	case errors.Is(err, appErr.ErrWindowElapsed):
		response.Error(c, errcode.ErrWindowElapsed, "revocation window has elapsed")
	case errors.Is(err, appErr.ErrDeliveryFailed):
		logger.Error("mail delivery failed", zap.Error(err))
		response.Error(c, errcode.ErrDeliveryFailed, "failed to deliver email, try again later")
	default:
		logger.Error("request failed", zap.Error(err))
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
