// Connector hosts one in-process adapter (notion or google_drive) out of
// process, behind the /exec endpoint the gateway's remote adapters call.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
	"github.com/bturcanu/OpenConduit/pkg/adapters/gdrive"
	"github.com/bturcanu/OpenConduit/pkg/adapters/notion"
	"github.com/bturcanu/OpenConduit/pkg/adapters/sdk"
	"github.com/bturcanu/OpenConduit/pkg/config"
	"github.com/bturcanu/OpenConduit/pkg/credentials"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := config.LoadDotEnv(); err != nil {
		log.Warn(".env load failed", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	service := config.EnvOr("CONNECTOR_SERVICE", notion.ServiceID)
	mock := config.EnvOrBool("MOCK_CONNECTORS", false)
	adapter, err := newAdapter(service, mock)
	if err != nil {
		log.Error("connector setup failed", "error", err)
		os.Exit(1)
	}

	internalToken := os.Getenv("INTERNAL_AUTH_TOKEN")
	if internalToken == "" {
		log.Warn("INTERNAL_AUTH_TOKEN is empty; /exec accepts unauthenticated calls")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Post("/exec", sdk.Handler(adapter, sdk.Config{
		Service:       service,
		InternalToken: internalToken,
		Timeout:       config.EnvOrDuration("CONNECTOR_TIMEOUT", 15*time.Second),
		Logger:        log,
	}))

	addr := config.EnvOr("CONNECTOR_ADDR", ":8082")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("connector starting", "addr", addr, "service", service, "mock", mock)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
}

func newAdapter(service string, mock bool) (adapters.Adapter, error) {
	var a adapters.Adapter
	switch service {
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
		return nil, fmt.Errorf("CONNECTOR_SERVICE: unknown service %q", service)
	}
	if mock {
		return mockOf(service, a), nil
	}
	return a, nil
}

// mockOf keeps a's action table and parameter validation but answers every
// call with an echo instead of reaching the provider.
func mockOf(service string, a adapters.Adapter) adapters.Adapter {
	var actions []adapters.Action
	for _, spec := range a.Actions() {
		name := spec.Name
		actions = append(actions, adapters.Action{
			Spec: spec,
			Handler: func(_ context.Context, params types.Parameters, _ credentials.Credential) (any, error) {
				return map[string]any{
					"service": service,
					"action":  name,
					"params":  params,
					"mock":    true,
				}, nil
			},
		})
	}
	return adapters.MustStatic(actions...)
}
