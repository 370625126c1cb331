package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/adapters/gdrive"
	"github.com/bturcanu/OpenConduit/pkg/adapters/notion"
	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/config"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
)

// ──────────────────────────────────────────────────────────────────────────────
// Backends
// ──────────────────────────────────────────────────────────────────────────────

// backends holds the connections opened for the credential store and the
// audit sinks. Either may be nil when nothing is configured to use it.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func openBackends(ctx context.Context, log *slog.Logger) (*backends, error) {
	be := &backends{}
	sinks := auditSinkNames()

	if credentialStoreKind() == "postgres" || slices.Contains(sinks, "postgres") {
		pool, err := pgxpool.New(ctx, config.PostgresDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		be.pool = pool
		log.Info("postgres pool ready")
	}
	if slices.Contains(sinks, "redis") {
		be.redis = redis.NewClient(&redis.Options{
			Addr:     config.EnvOr("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       config.EnvOrInt("REDIS_DB", 0),
		})
	}
	return be, nil
}

// Ping backs /readyz.
func (b *backends) Ping(ctx context.Context) error {
	if b.pool != nil {
		if err := b.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

func (b *backends) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Adapter registry
// ──────────────────────────────────────────────────────────────────────────────

// buildRegistry registers the in-process adapters named in ADAPTERS and the
// remote adapters listed in ADAPTER_MANIFEST, then seals the registry.
func buildRegistry(log *slog.Logger) (*adapters.Registry, error) {
	reg := adapters.NewRegistry()
	guardCfg := adapters.DefaultGuardConfig()
	guardCfg.RatePerSecond = float64(config.EnvOrInt("ADAPTER_RATE_PER_SECOND", int(guardCfg.RatePerSecond)))

	for _, name := range splitList(config.EnvOr("ADAPTERS", notion.ServiceID+","+gdrive.ServiceID)) {
		var a adapters.Adapter
		switch name {
		case notion.ServiceID:
			a = notion.New(notion.Config{
				BaseURL:       config.EnvOr("NOTION_BASE_URL", notion.DefaultBaseURL),
				DefaultParent: os.Getenv("NOTION_DEFAULT_PARENT"),
			})
		case gdrive.ServiceID:
			a = gdrive.New(gdrive.Config{
				BaseURL:   config.EnvOr("GDRIVE_BASE_URL", gdrive.DefaultBaseURL),
				UploadURL: config.EnvOr("GDRIVE_UPLOAD_URL", gdrive.DefaultUploadURL),
			})
		default:
			return nil, fmt.Errorf("ADAPTERS: unknown in-process adapter %q", name)
		}
		if err := reg.Register(name, adapters.NewGuard(name, a, guardCfg)); err != nil {
			return nil, err
		}
	}

	if path := os.Getenv("ADAPTER_MANIFEST"); path != "" {
		m, err := config.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if err := registerRemotes(reg, m, guardCfg); err != nil {
			return nil, err
		}
		log.Info("adapter manifest loaded", "path", path, "remotes", len(m.Adapters))
	}

	if err := reg.Require(splitList(os.Getenv("REQUIRED_SERVICES"))...); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

func registerRemotes(reg *adapters.Registry, m *config.Manifest, guardCfg adapters.GuardConfig) error {
	token := m.InternalToken
	if token == "" {
		token = os.Getenv("INTERNAL_AUTH_TOKEN")
	}
	for _, e := range m.Adapters {
		remote := adapters.NewRemote(e.Service, e.URL, actionSpecs(e.Actions))
		remote.SetInternalToken(token)
		if e.Timeout > 0 {
			remote.SetTimeout(e.Timeout)
		}

		var a adapters.Adapter = remote
		if e.Guard != nil {
			gc := guardCfg
			gc.RatePerSecond = e.Guard.RatePerSecond
			if e.Guard.Burst > 0 {
				gc.Burst = e.Guard.Burst
			}
			if e.Guard.TripAfter > 0 {
				gc.TripAfter = e.Guard.TripAfter
			}
			if e.Guard.OpenTimeout > 0 {
				gc.OpenTimeout = e.Guard.OpenTimeout
			}
			a = adapters.NewGuard(e.Service, remote, gc)
		}
		if err := reg.Register(e.Service, a); err != nil {
			return err
		}
	}
	return nil
}

func actionSpecs(entries []config.ActionEntry) []adapters.ActionSpec {
	specs := make([]adapters.ActionSpec, 0, len(entries))
	for _, e := range entries {
		spec := adapters.ActionSpec{Name: e.Name, Description: e.Description}
		for _, p := range e.Params {
			typ := adapters.ParamType(p.Type)
			if typ == "" {
				typ = adapters.ParamAny
			}
			spec.Params = append(spec.Params, adapters.ParamSpec{
				Name:        p.Name,
				Type:        typ,
				Required:    p.Required,
				Description: p.Description,
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

// ──────────────────────────────────────────────────────────────────────────────
// Credentials
// ──────────────────────────────────────────────────────────────────────────────

func credentialStoreKind() string {
	return strings.ToLower(config.EnvOr("CREDENTIAL_STORE", "postgres"))
}

func buildResolver(be *backends, log *slog.Logger, reg prometheus.Registerer) (*credentials.Resolver, error) {
	var store credentials.Store
	switch credentialStoreKind() {
	case "memory":
		ms := credentials.NewMemoryStore()
		n, err := seedCredentials(ms, os.Getenv("DEV_CREDENTIALS"))
		if err != nil {
			return nil, err
		}
		log.Warn("using in-memory credential store", "seeded", n)
		store = ms
	case "postgres":
		cipher, err := credentials.NewCipherFromHex(os.Getenv("CREDENTIAL_KEY"))
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_KEY: %w", err)
		}
		store = credentials.NewPGStore(be.pool, cipher)
	default:
		return nil, fmt.Errorf("CREDENTIAL_STORE: unknown store %q", credentialStoreKind())
	}

	opts := []credentials.Option{
		credentials.WithTTL(config.EnvOrDuration("CREDENTIAL_CACHE_TTL", credentials.DefaultTTL)),
		credentials.WithLogger(log),
		credentials.WithRegisterer(reg),
	}
	if cfgs := oauthConfigs(); len(cfgs) > 0 {
		opts = append(opts, credentials.WithRefresher(credentials.NewOAuth2Refresher(cfgs)))
	}
	return credentials.NewResolver(store, opts...), nil
}

// seedCredentials loads "user:service:token" triples, comma separated.
func seedCredentials(ms *credentials.MemoryStore, raw string) (int, error) {
	n := 0
	for _, item := range splitList(raw) {
		parts := strings.SplitN(item, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return n, fmt.Errorf("DEV_CREDENTIALS: malformed entry %d", n+1)
		}
		ms.Put(parts[0], parts[1], credentials.Credential{AccessToken: parts[2]})
		n++
	}
	return n, nil
}

var defaultTokenURLs = map[string]string{
	notion.ServiceID: "https://api.notion.com/v1/oauth/token",
	gdrive.ServiceID: "https://oauth2.googleapis.com/token",
}

// oauthConfigs builds a refresh config for every service with
// OAUTH_<SERVICE>_CLIENT_ID set.
func oauthConfigs() map[string]*oauth2.Config {
	out := map[string]*oauth2.Config{}
	for service, tokenURL := range defaultTokenURLs {
		prefix := "OAUTH_" + strings.ToUpper(service) + "_"
		id := os.Getenv(prefix + "CLIENT_ID")
		if id == "" {
			continue
		}
		out[service] = &oauth2.Config{
			ClientID:     id,
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			Endpoint:     oauth2.Endpoint{TokenURL: config.EnvOr(prefix+"TOKEN_URL", tokenURL)},
		}
	}
	return out
}

// ──────────────────────────────────────────────────────────────────────────────
// Audit sinks
// ──────────────────────────────────────────────────────────────────────────────

func auditSinkNames() []string {
	return splitList(strings.ToLower(config.EnvOr("AUDIT_SINK", "log")))
}

func buildAuditSink(be *backends, log *slog.Logger) (audit.Sink, error) {
	var sinks audit.FanoutSink
	for _, name := range auditSinkNames() {
		switch name {
		case "log":
			sinks = append(sinks, audit.NewLogSink(log))
		case "postgres":
			sinks = append(sinks, audit.NewPGSink(be.pool))
		case "redis":
			sinks = append(sinks, audit.NewRedisStreamSink(be.redis,
				config.EnvOr("AUDIT_REDIS_STREAM", "conduit:audit"),
				int64(config.EnvOrInt("AUDIT_REDIS_MAXLEN", 100_000))))
		case "http":
			u := os.Getenv("AUDIT_HTTP_URL")
			if u == "" {
				return nil, errors.New("AUDIT_SINK=http requires AUDIT_HTTP_URL")
			}
			sinks = append(sinks, audit.NewHTTPSink(u, os.Getenv("AUDIT_HTTP_SECRET"), config.EnvOr("OTEL_SERVICE_NAME", "conduit-gateway")))
		default:
			return nil, fmt.Errorf("AUDIT_SINK: unknown sink %q", name)
		}
	}
	switch len(sinks) {
	case 0:
		return audit.NewLogSink(log), nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
