package main

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/agrilink/auth-service/internal/cache"
	"github.com/agrilink/auth-service/internal/config"
	"github.com/agrilink/auth-service/internal/database"
	"github.com/agrilink/auth-service/internal/handler"
	"github.com/agrilink/auth-service/internal/mfa"
	"github.com/agrilink/auth-service/internal/queue"
	"github.com/agrilink/auth-service/internal/repository"
	"github.com/agrilink/auth-service/internal/router"
	queuepublisher "github.com/agrilink/auth-service/internal/service"
	"github.com/agrilink/auth-service/internal/token"
)

func main() {
	// .env is a dev convenience; real deployments set the environment
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on environment")
	}

	cfg := config.Load()
	rlCfg := config.LoadRateLimitConfig()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Println("redis unavailable: rate limiting disabled, token revocation will not propagate")
	}

	codec, err := token.NewCodec(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.Issuer, cfg.AccessTTL)
	if err != nil {
		log.Fatalf("signing keys: %v", err)
	}
	log.Printf("signing with kid=%s issuer=%s", codec.KeyID(), codec.Issuer())

	users := repository.NewUserRepo(db)
	clients := repository.NewClientRepo(db)
	codes := repository.NewCodeRepo(db)
	refresh := repository.NewRefreshTokenRepo(db)
	sessions := repository.NewSessionRepo(db)
	backup := repository.NewBackupCodeRepo(db)
	verifyTokens := repository.NewVerificationTokenRepo(db)
	resetTokens := repository.NewResetTokenRepo(db)

	blacklist := cache.NewBlacklist(rdb)
	limiter := cache.NewLoginLimiter(rdb, rlCfg)
	mfaSvc := mfa.New(cfg.Issuer, cfg.BcryptCost)

	// the platform frontend talks to the same token endpoint as any other
	// client, so its registration must exist before the first login
	bootCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = clients.Ensure(bootCtx, repository.Client{
		ClientID:      cfg.FirstPartyClientID,
		ClientSecret:  cfg.FirstPartyClientSecret,
		ClientName:    cfg.FirstPartyClientName,
		RedirectURIs:  cfg.FirstPartyRedirectURIs,
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
		Scope:         handler.DefaultScope,
	})
	cancel()
	if err != nil {
		log.Fatalf("first-party client bootstrap: %v", err)
	}

	go func() {
		if err := queue.StartNotificationConsumer(); err != nil {
			log.Printf("notification consumer stopped: %v", err)
		}
	}()

	// expired codes are rejected on read regardless; this only keeps the
	// table from accumulating dead rows
	go func() {
		for range time.Tick(time.Hour) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := codes.DeleteExpired(ctx); err != nil {
				log.Printf("authorization code cleanup: %v", err)
			} else if n > 0 {
				log.Printf("authorization code cleanup: removed %d expired rows", n)
			}
			cancel()
		}
	}()

	authH := &handler.AuthHandler{
		Cfg:          cfg,
		Users:        users,
		Refresh:      refresh,
		Sessions:     sessions,
		VerifyTokens: verifyTokens,
		ResetTokens:  resetTokens,
		Codec:        codec,
		Blacklist:    blacklist,
		Limiter:      limiter,
		Notify:       queuepublisher.PublishNotification,
	}
	oauthH := &handler.OAuthHandler{
		Cfg:     cfg,
		Users:   users,
		Clients: clients,
		Codes:   codes,
		Refresh: refresh,
		Codec:   codec,
		Blackl:  blacklist,
	}
	mfaH := &handler.MFAHandler{
		Cfg:     cfg,
		Users:   users,
		Backup:  backup,
		MFA:     mfaSvc,
		Auth:    authH,
		Limiter: limiter,
		Notify:  queuepublisher.PublishNotification,
	}

	e := echo.New()
	e.HideBanner = true
	router.Register(e, router.Deps{
		Auth:      authH,
		OAuth:     oauthH,
		MFA:       mfaH,
		Discovery: &handler.DiscoveryHandler{Codec: codec},
		Health:    &handler.HealthHandler{DB: db, RDB: rdb},
		Codec:     codec,
		Blacklist: blacklist,
		Limiter:   limiter,
		Window:    rlCfg.Window,
	})

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
