// Package sdk hosts an adapter out of process behind the /exec endpoint that
// adapters.Remote calls.
package sdk

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bturcanu/OpenConduit/pkg/adapters"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Service       string
	InternalToken string
	Timeout       time.Duration
	Logger        *slog.Logger
}

// Handler serves one adapter. Handler failures are answered with 200 and an
// error_class so the caller can tell transient from permanent.
func Handler(adapter adapters.Adapter, cfg Config) http.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.InternalToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Token")), []byte(cfg.InternalToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusForbidden)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req adapters.ExecRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if cfg.Service != "" && req.Service != cfg.Service {
			http.Error(w, "wrong service", http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		result, err := adapter.Handle(adapters.WithDispatchID(ctx, req.DispatchID), req.Action, req.Params, req.Credential)
		resp := adapters.EncodeExecResponse(result, err)
		if err != nil {
			log.WarnContext(ctx, "action failed",
				"dispatch_id", req.DispatchID, "service", req.Service, "action", req.Action,
				"class", resp.ErrorClass, "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error("encode response failed", "error", err)
		}
	}
}
