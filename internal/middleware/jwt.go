package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/toolnav/internal/pkg/errcode"
	appErr "github.com/xxxsen/toolnav/internal/pkg/errors"
	"github.com/xxxsen/toolnav/internal/pkg/response"
)

const ContextUserIDKey = "user_id"

// SessionVerifier maps a bearer token to the account it is still valid for.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (string, error)
}

func JWTAuth(sessions SessionVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, errcode.ErrUnauthorized, "missing authorization")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			response.Error(c, errcode.ErrUnauthorized, "invalid authorization")
			c.Abort()
			return
		}
		userID, err := sessions.VerifySession(c.Request.Context(), parts[1])
		if err != nil {
			if errors.Is(err, appErr.ErrUnauthorized) {
				response.Error(c, errcode.ErrUnauthorized, "invalid or expired session")
			} else {
				logutil.GetLogger(c.Request.Context()).Error("verify session failed", zap.Error(err))
				response.Error(c, errcode.ErrInternal, "internal error")
			}
			c.Abort()
			return
		}
		c.Set(ContextUserIDKey, userID)
		c.Next()
	}
}
