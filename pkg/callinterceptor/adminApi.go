package callinterceptor

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rglonek/logger"

	"sip-call-interceptor/pkg/blockstore"
)

// blockListAdmin is the write side of the block list, used only by the admin API.
type blockListAdmin interface {
	Add(number string, entry blockstore.Entry) error
	Remove(number string) error
	List() (map[string]blockstore.Entry, error)
}

type adminAPI struct {
	store     blockListAdmin
	stats     *stats
	apiKey    string
	normalize func(string) string
	log       *logger.Logger
}

type addNumberRequest struct {
	Comment string `json:"comment"`
}

// newAdminAPI builds the admin handlers. normalize may be nil; when set, path
// numbers are stored and removed in the same form the interceptor looks up.
func newAdminAPI(store blockListAdmin, st *stats, apiKey string, normalize func(string) string, log *logger.Logger) *adminAPI {
	return &adminAPI{store: store, stats: st, apiKey: apiKey, normalize: normalize, log: log}
}

func (a *adminAPI) numberParam(r *http.Request) string {
	num := strings.TrimSpace(chi.URLParam(r, "number"))
	if a.normalize != nil && num != "" {
		num = a.normalize(num)
	}
	return num
}

func (a *adminAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(a.apiKeyAuth)
	r.Get("/v1/blocklist", a.listNumbers)
	r.Put("/v1/blocklist/{number}", a.addNumber)
	r.Delete("/v1/blocklist/{number}", a.removeNumber)
	r.Get("/v1/stats", a.getStats)
	return r
}

func (a *adminAPI) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey != "" && r.Header.Get("X-API-Key") != a.apiKey {
			http.Error(w, "Unauthorized: Invalid or missing API Key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminAPI) listNumbers(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.List()
	if err != nil {
		a.log.Error("List block list failed: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *adminAPI) addNumber(w http.ResponseWriter, r *http.Request) {
	num := a.numberParam(r)
	if len(num) < 3 {
		http.Error(w, "Invalid phone number", http.StatusBadRequest)
		return
	}
	var req addNumberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON format", http.StatusBadRequest)
		return
	}
	if err := a.store.Add(num, blockstore.Entry{Source: "admin", Comment: req.Comment}); err != nil {
		a.log.Error("Add %s failed: %v", num, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.log.Info("Added %s to block list", num)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "blocked", "number": num})
}

func (a *adminAPI) removeNumber(w http.ResponseWriter, r *http.Request) {
	num := a.numberParam(r)
	err := a.store.Remove(num)
	if errors.Is(err, blockstore.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Error("Remove %s failed: %v", num, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.log.Info("Removed %s from block list", num)
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stats.snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
