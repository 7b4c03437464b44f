// health_handler.go -- GET /health: status of every backend the sign-in flow touches.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/charon-misskey/internal/store"
)

// healthChecker is implemented by backends that can be pinged.
type healthChecker interface {
	CheckHealth(ctx context.Context) error
}

type verifierHealth struct {
	Backend string `json:"backend"`
	Status  string `json:"status"`
}

type healthReport struct {
	Postgres      string          `json:"postgres"`
	Redis         string          `json:"redis"` // "disabled" when running without a session cache
	VerifierStore *verifierHealth `json:"verifier_store,omitempty"`
}

func (rep healthReport) healthy() bool {
	if rep.VerifierStore != nil && rep.VerifierStore.Status == "error" {
		return false
	}
	return rep.Postgres != "error" && rep.Redis != "error"
}

// CheckHealth handles GET /health. 200 when sign-in can complete, 503 otherwise.
func (h *AuthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{
		Postgres: pingStatus(r, "postgres", h.PS.CheckHealth(r.Context())),
		Redis:    "disabled",
	}
	if err := h.RS.CheckHealth(r.Context()); !errors.Is(err, store.ErrCacheDisabled) {
		rep.Redis = pingStatus(r, "redis", err)
	}
	if h.Verifiers != nil {
		vh := &verifierHealth{Backend: verifierBackend(h.Verifiers), Status: "ok"}
		if hc, ok := h.Verifiers.(healthChecker); ok {
			vh.Status = pingStatus(r, "verifier_store", hc.CheckHealth(r.Context()))
		}
		rep.VerifierStore = vh
	}

	status := http.StatusOK
	if !rep.healthy() {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(rep)
}

func pingStatus(r *http.Request, dependency string, err error) string {
	if err == nil {
		return "ok"
	}
	logError(r, "health check failed", "dependency", dependency, "error", err)
	return "error"
}
