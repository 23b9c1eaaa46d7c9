package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/toolnav/internal/middleware"
)

type RouterDeps struct {
	Auth         *AuthHandler
	EmailChanges *EmailChangeHandler
	Metrics      http.Handler
	Sessions     middleware.SessionVerifier
	RatePerSec   float64
	RateBurst    int
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	limited := api.Group("")
	limited.Use(middleware.RateLimit(deps.RatePerSec, deps.RateBurst))
	limited.POST("/auth/codes", deps.Auth.SendCode)
	limited.POST("/auth/register", deps.Auth.Register)
	limited.POST("/auth/login", deps.Auth.Login)
	limited.POST("/auth/login/code", deps.Auth.LoginWithCode)
	limited.POST("/feedback/verify", deps.Auth.VerifyFeedback)
	limited.POST("/account/email/revoke", deps.EmailChanges.Revoke)
	limited.GET("/account/email/revoke", deps.EmailChanges.RevokeLink)
	limited.POST("/account/email/revoke/confirm", deps.EmailChanges.RevokeConfirm)

	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.Sessions), middleware.RateLimit(deps.RatePerSec, deps.RateBurst))
	authGroup.GET("/account", deps.Auth.Me)
	authGroup.PUT("/account/password", deps.Auth.ChangePassword)
	authGroup.PUT("/account/email", deps.EmailChanges.Begin)
	authGroup.GET("/account/email/changes", deps.EmailChanges.List)

	if deps.Metrics != nil {
		api.GET("/metrics", gin.WrapH(deps.Metrics))
	}
}
