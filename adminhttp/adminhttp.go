// Package adminhttp registers the operator-facing HTTP surface: health,
// stats, stop, Prometheus exposition, and login. It wires together the
// Adapter Registry, Dispatch Manager, and Front Server without owning
// any of their state itself.
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duskline/langrelay/adapter"
	"github.com/duskline/langrelay/auth"
	"github.com/duskline/langrelay/config"
	"github.com/duskline/langrelay/middleware"
)

// Dispatcher is the Dispatch Manager's admin-facing view.
type Dispatcher interface {
	AwaitingCount(adapterID string) int
}

// Sessions is the Front Server's admin-facing view.
type Sessions interface {
	SessionCount() int
	StopAccepting()
}

// LanguageQuerier is the Adapter Registry's admin-facing view.
type LanguageQuerier interface {
	SupportedLanguagesJSON() []byte
}

// Stopper is called by POST /admin/stop once the handler has responded,
// so the caller can drive the rest of the shutdown sequence without this
// package needing to know it.
type Stopper func()

// New builds the admin mux. adapters lists every configured adapter for
// the stats endpoint; cfg supplies the password hash and JWT secret
// gating the protected routes.
func New(adapters []*adapter.Adapter, reg LanguageQuerier, mgr Dispatcher, gw Sessions, cfg *config.Global, stop Stopper) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health(adapters))
	mux.HandleFunc("POST /admin/login", login(cfg))

	admin := cfg.Get().Admin
	requireAdmin := middleware.RequireAdmin([]byte(admin.JWTSecret))

	mux.Handle("GET /admin/stats", requireAdmin(stats(adapters, reg, mgr, gw)))
	mux.Handle("POST /admin/stop", requireAdmin(stopHandler(gw, stop)))

	if admin.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// health reports 200 if at least one adapter is CONNECTED, 503 otherwise.
// Unauthenticated: load balancers and orchestrators poll this without a
// token.
func health(adapters []*adapter.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connected := 0
		for _, a := range adapters {
			if a.State() == adapter.Connected {
				connected++
			}
		}
		code := http.StatusOK
		if connected == 0 {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":              statusStr(connected > 0),
			"adapters_connected":  connected,
			"adapters_configured": len(adapters),
		})
	}
}

func statusStr(ok bool) string {
	if ok {
		return "ok"
	}
	return "no_adapters_connected"
}

type adapterStat struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Weight        uint32 `json:"weight"`
	AwaitingReply int    `json:"awaiting_reply"`
}

// stats reports per-adapter state, the supported-languages snapshot, and
// the front server's open session count.
func stats(adapters []*adapter.Adapter, reg LanguageQuerier, mgr Dispatcher, gw Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]adapterStat, 0, len(adapters))
		for _, a := range adapters {
			out = append(out, adapterStat{
				ID:            a.ID(),
				State:         a.State().String(),
				Weight:        a.Weight(),
				AwaitingReply: mgr.AwaitingCount(a.ID()),
			})
		}

		var langs map[string][]string
		_ = json.Unmarshal(reg.SupportedLanguagesJSON(), &langs)

		writeJSON(w, http.StatusOK, map[string]any{
			"adapters":            out,
			"sessions":            gw.SessionCount(),
			"supported_languages": langs,
		})
	}
}

// stopHandler stops accepting new client connections and invokes stop,
// which the caller wires to the rest of the shutdown sequence. It does
// not itself wait for that sequence to finish — the response confirms
// the request was accepted, not that shutdown completed.
func stopHandler(gw Sessions, stop Stopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gw.StopAccepting()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
		if stop != nil {
			go stop()
		}
	}
}

// login exchanges the configured operator password for a short-lived
// access token. There is no refresh flow and no session table — a new
// login is required every time the token expires.
func login(cfg *config.Global) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		admin := cfg.Get().Admin
		if admin.PasswordHash == "" || !auth.CheckPassword(admin.PasswordHash, body.Password) {
			writeError(w, http.StatusUnauthorized, "invalid password")
			return
		}

		token, err := auth.IssueAccessToken([]byte(admin.JWTSecret))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"access_token": token})
	}
}
