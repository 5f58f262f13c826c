package router

import (
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/agrilink/auth-service/internal/cache"
	"github.com/agrilink/auth-service/internal/handler"
	"github.com/agrilink/auth-service/internal/middleware"
	"github.com/agrilink/auth-service/internal/token"
)

// Deps carries everything the route table needs. main assembles it once.
type Deps struct {
	Auth      *handler.AuthHandler
	OAuth     *handler.OAuthHandler
	MFA       *handler.MFAHandler
	Discovery *handler.DiscoveryHandler
	Health    *handler.HealthHandler

	Codec     *token.Codec
	Blacklist *cache.Blacklist
	Limiter   *cache.LoginLimiter
	Window    time.Duration
}

// Register wires every route onto the Echo instance. Public endpoints go
// first; the bearer-protected groups share one BearerAuth middleware so a
// blacklisted jti is rejected uniformly.
func Register(e *echo.Echo, d Deps) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.Logger())

	e.GET("/healthz", d.Health.Health)

	// discovery documents
	e.GET("/.well-known/openid-configuration", d.Discovery.Configuration)
	e.GET("/.well-known/jwks.json", d.Discovery.JWKS)

	bearer := middleware.BearerAuth(d.Codec, d.Blacklist)
	loginGuard := middleware.FixedWindow(d.Limiter, d.Window)

	// protocol endpoints
	oauth := e.Group("/oauth")
	oauth.GET("/authorize", d.OAuth.Authorize, bearer)
	oauth.POST("/token", d.OAuth.Token)
	oauth.POST("/revoke", d.OAuth.Revoke)
	oauth.POST("/introspect", d.OAuth.Introspect)
	oauth.GET("/userinfo", d.OAuth.UserInfo, bearer, middleware.RequireScope("openid"))

	// first-party surface
	auth := e.Group("/api/v1/auth")
	auth.POST("/register", d.Auth.Register)
	auth.POST("/resend-verification", d.Auth.ResendVerification)
	auth.GET("/verify-email/:token", d.Auth.VerifyEmail)
	auth.POST("/login", d.Auth.Login, loginGuard)
	auth.POST("/refresh", d.Auth.RefreshToken)
	auth.POST("/password-reset/request", d.Auth.PasswordResetRequest)
	auth.POST("/password-reset/confirm", d.Auth.PasswordResetConfirm)
	auth.POST("/mfa/login", d.MFA.Login, loginGuard)

	protected := auth.Group("", bearer)
	protected.POST("/logout", d.Auth.Logout)
	protected.POST("/logout-all", d.Auth.LogoutAll)
	protected.GET("/me", d.Auth.Me)
	protected.GET("/sessions", d.Auth.ListSessions)
	protected.DELETE("/sessions/:id", d.Auth.RevokeSession)
	protected.POST("/password/change", d.Auth.ChangePassword)
	protected.POST("/mfa/enable", d.MFA.Enable)
	protected.POST("/mfa/verify-setup", d.MFA.VerifySetup)
	protected.POST("/mfa/disable", d.MFA.Disable)
}
