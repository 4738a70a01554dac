// identityd serves the permit-portal identity API over HTTP.
//
// Configuration comes from the environment (a .env file is loaded when
// present). Required:
//
//	IDENTITY_TOKEN_SECRET   HMAC signing secret, >= 32 bytes
//
// Common optional keys:
//
//	IDENTITY_LISTEN_ADDR    default :8443
//	IDENTITY_REDIS_ADDR     default localhost:6379
//	IDENTITY_RP_ID          WebAuthn relying party id, default localhost
//	IDENTITY_RP_ORIGINS     comma-separated allowed origins
//	IDENTITY_BASE_URL       pairing QR base URL
//	IDENTITY_CORS_ORIGINS   comma-separated CORS origins
//	IDENTITY_TOKEN_TTL      e.g. 60m
//	IDENTITY_SEED_ADMIN     email:password, creates an elevated account on
//	                        first boot if the email is unknown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	identity "github.com/permitdesk/identity"
	"github.com/permitdesk/identity/httpapi"
	"github.com/permitdesk/identity/password"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("could not load .env")
	}
	if level, err := logrus.ParseLevel(envStr("IDENTITY_LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	if err := run(log); err != nil {
		log.WithError(err).Fatal("identityd exited")
	}
}

func run(log *logrus.Logger) error {
	secret := os.Getenv("IDENTITY_TOKEN_SECRET")
	if len(secret) < 32 {
		return errors.New("IDENTITY_TOKEN_SECRET must be set to at least 32 bytes")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     envStr("IDENTITY_REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("IDENTITY_REDIS_PASSWORD"),
		DB:       envInt("IDENTITY_REDIS_DB", 0),
	})
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	cfg := identity.Config{
		Token: identity.TokenConfig{
			Secret: []byte(secret),
			TTL:    envDuration("IDENTITY_TOKEN_TTL", 0),
			Issuer: envStr("IDENTITY_TOKEN_ISSUER", ""),
		},
		Lockout: identity.LockoutConfig{
			Enabled:   true,
			Threshold: envInt("IDENTITY_LOCKOUT_THRESHOLD", 0),
			Window:    envDuration("IDENTITY_LOCKOUT_WINDOW", 0),
		},
		WebAuthn: identity.WebAuthnConfig{
			RPID:      envStr("IDENTITY_RP_ID", ""),
			RPName:    envStr("IDENTITY_RP_NAME", ""),
			RPOrigins: envList("IDENTITY_RP_ORIGINS"),
		},
		Pairing: identity.PairingConfig{
			BaseURL: envStr("IDENTITY_BASE_URL", ""),
		},
		MFADisable: identity.MFADisableConfig{
			Delay: envDuration("IDENTITY_MFA_DISABLE_DELAY", 0),
		},
	}

	users := newRedisProvider(client)
	engine, err := identity.NewBuilder().
		WithConfig(cfg).
		WithRedis(client).
		WithUserProvider(users).
		WithNotifier(logNotifier{log: log}).
		Build()
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	if seed := os.Getenv("IDENTITY_SEED_ADMIN"); seed != "" {
		if err := seedAdmin(context.Background(), log, users, seed); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	server := httpapi.New(engine, client, log, httpapi.Config{
		AllowedOrigins: envList("IDENTITY_CORS_ORIGINS"),
		LoginRateLimit: envInt("IDENTITY_LOGIN_RATE_LIMIT", 0),
	})

	addr := envStr("IDENTITY_LISTEN_ADDR", ":8443")
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Sweep overdue MFA disables so accounts that never log in still converge.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepDisables(sweepCtx, log, engine)

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("identityd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	return httpSrv.Shutdown(shutdownCtx)
}

func sweepDisables(ctx context.Context, log *logrus.Logger, engine *identity.Engine) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := engine.FinalizeDueMFADisables(ctx)
			if err != nil {
				log.WithError(err).Warn("mfa disable sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("count", n).Info("finalized scheduled mfa disables")
			}
		}
	}
}

// seedAdmin bootstraps an elevated account from "email:password" unless the
// email already resolves.
func seedAdmin(ctx context.Context, log *logrus.Logger, users *redisProvider, seed string) error {
	email, plain, ok := strings.Cut(seed, ":")
	if !ok || email == "" || plain == "" {
		return errors.New("IDENTITY_SEED_ADMIN must be email:password")
	}
	if _, err := users.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, identity.ErrUserNotFound) {
		return err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory: 64 * 1024, Time: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32,
	})
	if err != nil {
		return err
	}
	hash, err := hasher.Hash(plain)
	if err != nil {
		return err
	}

	rec := identity.UserRecord{
		UserID:       uuid.NewString(),
		Email:        strings.ToLower(email),
		Role:         identity.RoleElevated,
		PasswordHash: hash,
		MustSetupMFA: true,
	}
	if err := users.CreateUser(ctx, rec); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"email": rec.Email, "userId": rec.UserID}).
		Info("seeded elevated account; it must enroll an mfa factor before first login")
	return nil
}

// logNotifier writes one-time codes to the application log. Deployments wire
// a real mail sender here.
type logNotifier struct {
	log *logrus.Logger
}

func (n logNotifier) SendLoginCode(_ context.Context, email, code string) error {
	n.log.WithFields(logrus.Fields{"email": email, "code": code}).Info("login code issued")
	return nil
}

/* ==== env helpers ==== */

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
