package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/coriolis-labs/peerlink/pkg/peer"
)

// Storer is the persistence contract the API needs. *Store (Redis-backed)
// is the production implementation; tests substitute an in-memory fake so
// the HTTP surface can be exercised without a live Redis instance.
type Storer interface {
	Upsert(ctx context.Context, e peer.Entry) error
	Delete(ctx context.Context, e peer.Entry) error
	List(ctx context.Context) ([]peer.Entry, error)
}

// API exposes the signaling registry's HTTP CRUD surface: GET/POST/PUT
// /nodes and DELETE /nodes?public_ip=&public_port=.
type API struct {
	store     Storer
	throttle  *Throttle
	adminHash []byte
	mux       *http.ServeMux
}

// NewAPI builds the registry's HTTP handler. throttle and adminToken are
// both optional: with an empty token the write endpoints are open, and
// with a nil throttle no rate limiting happens. The token is bcrypt-hashed
// at construction so the plaintext never sits in memory past startup.
func NewAPI(store Storer, throttle *Throttle, adminToken string) *API {
	a := &API{store: store, throttle: throttle, mux: http.NewServeMux()}
	if adminToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.DefaultCost)
		if err != nil {
			panic("registry: hash admin token: " + err.Error())
		}
		a.adminHash = hash
	}
	a.registerRoutes()
	return a
}

func (a *API) registerRoutes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("GET /nodes", a.rateLimit(a.handleList))
	a.mux.HandleFunc("POST /nodes", a.rateLimit(a.requireAdmin(a.handleInsert)))
	a.mux.HandleFunc("PUT /nodes", a.rateLimit(a.requireAdmin(a.handleUpdate)))
	a.mux.HandleFunc("DELETE /nodes", a.rateLimit(a.requireAdmin(a.handleDelete)))
}

// ServeHTTP makes API an http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := a.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if entries == nil {
		entries = []peer.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleInsert(w http.ResponseWriter, r *http.Request) {
	var e peer.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := e.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if err := a.store.Upsert(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var e peer.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := e.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if err := a.store.Upsert(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("public_ip")
	portText := r.URL.Query().Get("public_port")
	port, err := strconv.Atoi(portText)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "public_port must be an integer")
		return
	}

	e := peer.Entry{PublicIP: ip, PublicPort: port}
	if err := e.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	// Deleting a non-existent peer is not an error.
	if err := a.store.Delete(r.Context(), e); err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	if a.adminHash == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword(a.adminHash, []byte(token)) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func (a *API) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.throttle == nil {
			next(w, r)
			return
		}
		source, _, splitErr := net.SplitHostPort(r.RemoteAddr)
		if splitErr != nil {
			source = r.RemoteAddr
		}
		ok, headroom, retryAfter := a.throttle.Admit(source)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(headroom))
		if !ok {
			seconds := int((retryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("registry: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	body := map[string]interface{}{
		"type":   fmt.Sprintf("https://peerlink.dev/errors/%s", errType),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("registry: write error response: %v", err)
	}
}
