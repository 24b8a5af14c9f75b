// ABOUTME: HTTP handlers for sandbox specs: paged search and positional batch lookup
// ABOUTME: Specs are read-only over HTTP; they are seeded from configuration at startup

package appserver

import (
	"errors"
	"net/http"

	"github.com/2389/coven-appserver/internal/sandbox"
	"github.com/2389/coven-appserver/internal/store"
)

// handleSearchSandboxSpecs handles GET /api/v1/sandbox-specs/search.
func (s *Server) handleSearchSandboxSpecs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, sandbox.DefaultSearchLimit, sandbox.DefaultSearchLimit)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.specs.SearchSpecs(r.Context(), r.URL.Query().Get("page_id"), limit)
	if errors.Is(err, store.ErrInvalidPageID) {
		s.sendJSONError(w, http.StatusBadRequest, "invalid page_id")
		return
	}
	if err != nil {
		s.logger.Error("failed to search sandbox specs", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, page)
}

// handleBatchGetSandboxSpecs handles GET /api/v1/sandbox-specs?id=...
// The result is positional with null for unknown ids.
func (s *Server) handleBatchGetSandboxSpecs(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) >= s.batchLimit {
		s.sendJSONError(w, http.StatusBadRequest, "Too many ids")
		return
	}

	specs, err := sandbox.BatchGetSpecs(r.Context(), s.specs, ids)
	if err != nil {
		s.logger.Error("failed to batch get sandbox specs", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, specs)
}
