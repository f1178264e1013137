// Package rest is an optional HTTP front door over an allib.Node, translating
// JSON requests into façade calls. It is a convenience surface for a host UI
// or operator tooling, not part of the command façade's required contract.
package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allibrary/allib"
)

// NewRouter builds a chi.Router exposing node over HTTP. Handlers call
// straight into node's blocking façade methods; chi's own goroutine-per-
// request model gives each caller its own blocking wait without any extra
// synchronization here.
func NewRouter(node *allib.Node) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", handleHealth(node))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/bootstrap", handleAddBootstrap(node))
		r.Post("/bootstrap/force", handleBootstrap(node))
		r.Post("/content", handleUpdateIndex(node))
		r.Post("/content/{hash}/publish", handlePublishHash(node))
		r.Post("/fetch", handleFetch(node))
		r.Get("/search", handleSearch(node))
		r.Get("/metrics/transfers", handleGetMetrics(node))
		r.Put("/record/{key}", handlePutRecord(node))
		r.Get("/record/{key}", handleGetRecord(node))
		r.Get("/address", handleGetMyOnionAddress(node))
		r.Post("/address/force", handleForceCreateOnionService(node))
		r.Get("/peers", handleGetNetworkPeers(node))
		r.Post("/peers", handleAddPeerAddress(node))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func handleHealth(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"anonymity": node.AnonymityStatus().State.String(),
		})
	}
}

func handleAddBootstrap(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Addrs []string `json:"addrs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		node.AddBootstrap(req.Addrs)
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleBootstrap(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := node.Bootstrap(); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleUpdateIndex(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hash   string   `json:"hash"`
			Path   string   `json:"path"`
			Title  string   `json:"title"`
			Author string   `json:"author"`
			Tags   []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		node.UpdateIndex(req.Hash, req.Path, req.Title, req.Author, req.Tags)
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePublishHash(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node.PublishHash(chi.URLParam(r, "hash"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleFetch(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hash    string `json:"hash"`
			OutPath string `json:"out_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		path, err := node.Fetch(req.Hash, req.OutPath)
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
	}
}

func handleSearch(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, node.Search(r.URL.Query().Get("q")))
	}
}

func handleGetMetrics(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, node.GetMetrics())
	}
}

func handlePutRecord(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := node.PutRecord(chi.URLParam(r, "key"), value); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetRecord(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := node.GetRecord(chi.URLParam(r, "key"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(value)
	}
}

func handleGetMyOnionAddress(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := node.GetMyOnionAddress()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"address": addr})
	}
}

func handleForceCreateOnionService(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := node.ForceCreateOnionService()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"address": addr})
	}
}

func handleGetNetworkPeers(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, node.GetNetworkPeers())
	}
}

func handleAddPeerAddress(node *allib.Node) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		msg, err := node.AddPeerAddress(req.Address)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": msg})
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
