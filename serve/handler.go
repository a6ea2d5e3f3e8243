// Package serve exposes an overlay output directory over HTTP, next to a
// small JSON API for the patch index.
package serve

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	overlay "github.com/pathviz/slide-overlay"
	"github.com/pathviz/slide-overlay/pipeline"

	"github.com/gorilla/mux"
)

// Handler serves one output directory.
type Handler struct {
	dir string
}

// NewHandler returns a handler for the output directory dir.
func NewHandler(dir string) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes sets up the API routes and a file server for everything
// else.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/index", h.handleIndex).Methods("GET")
	api.HandleFunc("/confusion", h.handleConfusion).Methods("GET")

	r.PathPrefix("/").Handler(http.FileServer(http.Dir(h.dir))).Methods("GET", "HEAD")
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) readIndex() (*overlay.PatchesIndex, int, error) {
	f, err := os.Open(filepath.Join(h.dir, pipeline.PatchesIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, http.StatusNotFound, err
		}
		return nil, http.StatusInternalServerError, err
	}
	defer f.Close()
	idx, err := overlay.ReadPatchesIndex(f)
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	return idx, http.StatusOK, nil
}

// handleIndex summarizes the patch index.
func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	idx, status, err := h.readIndex()
	if err != nil {
		respondError(w, status, err.Error())
		return
	}
	tumour := 0
	for _, row := range idx.Patches {
		if row.Tumour() {
			tumour++
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"schema":     idx.Schema,
		"patch_size": idx.PatchSize,
		"image_size": idx.ImageSize,
		"patches":    len(idx.Patches),
		"tumour":     tumour,
	})
}

// handleConfusion counts FP/FN patches at ?threshold=, default 0.5.
func (h *Handler) handleConfusion(w http.ResponseWriter, r *http.Request) {
	threshold := 0.5
	if s := r.URL.Query().Get("threshold"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid threshold")
			return
		}
		threshold = v
	}
	idx, status, err := h.readIndex()
	if err != nil {
		respondError(w, status, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, idx.Confusion(threshold))
}
