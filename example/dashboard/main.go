// Command dashboard is a minimal analytics dashboard protected by the
// authgate packages: every page requires a logged-in Keycloak user holding
// the configured dashboard role.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"html/template"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gistdash/authgate/auth"
	"github.com/gistdash/authgate/middleware"
	"github.com/gistdash/authgate/session"
	"github.com/gistdash/authgate/token"
)

const dashboardTemplate = `
<!DOCTYPE html>
<html>
<head>
	<title>GIST Dashboard</title>
</head>
<body>
	<h1>GIST Dashboard</h1>
	<p>Welcome, {{.Username}}.</p>
	<p>Roles: {{range .Roles}}<code>{{.}}</code> {{end}}</p>
	<a href="/auth/logout">Logout</a>
</body>
</html>
`

// DashboardData is the data passed to the dashboard template.
type DashboardData struct {
	Username string
	Roles    []string
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, using environment variables")
	}

	cfg, err := auth.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	endpoints, err := cfg.ResolveEndpoints(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("provider discovery failed")
	}

	keys := token.NewKeySet(token.KeySetConfig{
		URL:    endpoints.JWKSURL,
		TTL:    cfg.KeySetTTL,
		Logger: logger,
	})
	validator := token.NewValidator(keys, token.ValidatorConfig{
		Issuer:    cfg.Issuer(),
		Audience:  cfg.ClientID,
		ClockSkew: cfg.ClockSkew,
	})

	// Sessions live in Redis when REDIS_ADDR is set, otherwise in process
	// memory (fine for a single instance).
	var store session.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", addr).Msg("redis unreachable")
		}
		store = session.NewRedisStore(client, "gistdash")
	} else {
		store = session.NewMemoryStore(cfg.SessionTTL)
	}
	defer store.Close()

	sessions := session.NewManager(store, session.ManagerConfig{
		PendingTTL: cfg.PendingTTL,
		SessionTTL: cfg.SessionTTL,
		Logger:     logger,
	})

	flow := auth.NewFlow(cfg, endpoints, validator, sessions, logger)
	gate := auth.NewGate(sessions)

	cookie, err := newCookie(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cookie setup failed")
	}

	loader := middleware.NewSessionLoader(sessions, cookie, logger)
	authHandler := middleware.NewAuthHandler(flow, sessions, loader, cookie, logger, "/auth")

	tmpl := template.Must(template.New("dashboard").Parse(dashboardTemplate))
	dashboard := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, _ := middleware.SessionFromContext(r.Context())
		data := DashboardData{
			Username: s.Claims.StringClaim("preferred_username"),
			Roles:    s.Roles,
		}
		if err := tmpl.Execute(w, data); err != nil {
			logger.Error().Err(err).Msg("template error")
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/auth/", authHandler)
	mux.Handle("/{$}", loader.Wrap(
		middleware.RequireRole(gate, cfg.RequiredRole, authHandler.LoginPath(), dashboard),
	))

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info().Str("addr", addr).Str("issuer", cfg.Issuer()).Msg("dashboard listening")

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// newCookie builds the session cookie codec. The sealing key comes from
// AUTH_COOKIE_KEY (base64, 32 bytes); without one a random key is generated
// and sessions will not survive a restart.
func newCookie(logger zerolog.Logger) (*middleware.SessionCookie, error) {
	key := make([]byte, middleware.KeySize)
	if encoded := os.Getenv("AUTH_COOKIE_KEY"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		key = decoded
	} else {
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		logger.Warn().Msg("AUTH_COOKIE_KEY not set, using an ephemeral cookie key")
	}

	secure := os.Getenv("AUTH_COOKIE_INSECURE") == ""
	return middleware.NewSessionCookie("v1", map[string][]byte{"v1": key},
		middleware.WithSecure(secure))
}
