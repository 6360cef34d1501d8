// seed registers a development push subscription for a local user and prints a bearer token for it.
// Run with go run ./cmd/seed against a migrated DATABASE_URL. Primary authentication lives outside this
// service, so the token stands in for whatever the browser would hold after signing in.
// Idempotent: an existing endpoint for the dev user is updated in place. When VAPID keys are unset it
// also prints a fresh pair to paste into .env.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"push-auth-control-plane/backend/internal/config"
	"push-auth-control-plane/backend/internal/db"
	devicerepo "push-auth-control-plane/backend/internal/device/repository"
	"push-auth-control-plane/backend/internal/logger"
	"push-auth-control-plane/backend/internal/notify/webpush"
	"push-auth-control-plane/backend/internal/security"
	sessionrepo "push-auth-control-plane/backend/internal/session/repository"
	sessionservice "push-auth-control-plane/backend/internal/session/service"
	subscriptionrepo "push-auth-control-plane/backend/internal/subscription/repository"
	subscriptionservice "push-auth-control-plane/backend/internal/subscription/service"
)

const (
	devUserID      = "dev-user-001"
	devEndpoint    = "https://push.example.invalid/dev-user-001"
	devDeviceName  = "Dev Phone"
	devFingerprint = "dev-device-001"
	// Placeholder keys; with PUSH_DEV_OUTBOX=true nothing is encrypted against them.
	devP256dh = "BNcRdreALRFXTkOOUHK1EtK2wtaz5Ry4YfYCA_0QTpQtUbVlUls0VJXg7A8u-Ts1XbjhazAkj7I99e8QcYP7DkM"
	devAuth   = "tBHItJI5svbpez7KI4CCXg"
)

func main() {
	userID := flag.String("user", devUserID, "user id to seed")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; export it or add it to .env")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolOptions)
	if err != nil {
		log.Fatal("db", zap.Error(err))
	}
	defer conn.Close()

	devices := devicerepo.NewPostgresRepository(conn)
	subs := subscriptionservice.NewService(devices, subscriptionrepo.NewPostgresRepository(conn),
		cfg.DeviceTrustTTL(), cfg.MaxSubscriptionFailures, log)

	sub, err := subs.Register(ctx, subscriptionservice.RegisterInput{
		UserID:      *userID,
		Endpoint:    devEndpoint,
		P256dh:      devP256dh,
		Auth:        devAuth,
		DeviceName:  devDeviceName,
		Fingerprint: devFingerprint,
	})
	if err != nil {
		log.Fatal("register dev subscription", zap.Error(err))
	}
	log.Info("dev subscription ready",
		zap.String("user_id", sub.UserID),
		zap.String("subscription_id", sub.ID),
		zap.String("device_id", sub.DeviceID))
	printVAPIDKeys(cfg, log)

	// An ephemeral key would sign a token no server process can verify.
	signer, pub, _, err := security.LoadSigningKeys(cfg.JWTPrivateKey, cfg.JWTPublicKey, false)
	if err != nil {
		log.Warn("JWT keys not configured; skipping bearer token", zap.Error(err))
		return
	}
	tp := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTTL(), cfg.RefreshTTL(), cfg.HandoffLifetime())
	issuer := sessionservice.NewIssuer(sessionrepo.NewPostgresRepository(conn), tp, cfg.RefreshTTL())
	tokens, err := issuer.IssueSession(ctx, sessionservice.IssueRequest{UserID: sub.UserID, DeviceID: sub.DeviceID})
	if err != nil {
		log.Fatal("issue dev session", zap.Error(err))
	}

	fmt.Printf("SUBSCRIPTION_ID=%s\n", sub.ID)
	fmt.Printf("ACCESS_TOKEN=%s\n", tokens.AccessToken)
	fmt.Printf("REFRESH_TOKEN=%s\n", tokens.RefreshToken)
}

func printVAPIDKeys(cfg *config.Config, log *zap.Logger) {
	vapid, generated, err := webpush.Config{
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
		Subject:    cfg.VAPIDSubject,
	}.WithGeneratedKeys()
	if err != nil {
		log.Warn("generate VAPID keys", zap.Error(err))
		return
	}
	if !generated {
		return
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", vapid.PublicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", vapid.PrivateKey)
}
