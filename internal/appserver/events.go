// ABOUTME: HTTP handlers for conversation events and event callbacks
// ABOUTME: Ingest stores the event, fans it out to live streams, and dispatches matching callbacks

package appserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-appserver/internal/callback"
	"github.com/2389/coven-appserver/internal/conversation"
	"github.com/2389/coven-appserver/internal/event"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// maxCallbackResults caps GET /api/v1/event-callbacks/{id}/results.
const maxCallbackResults = 500

// IngestEventResponse is the JSON response for POST /api/v1/conversations/{id}/events.
type IngestEventResponse struct {
	EventID uuid.UUID               `json:"event_id"`
	Results []*store.CallbackResult `json:"results"`
}

// EventPageResponse is one page of events, each encoded with its kind.
type EventPageResponse struct {
	Items      []json.RawMessage `json:"items"`
	NextPageID string            `json:"next_page_id,omitempty"`
}

// handleIngestEvent handles POST /api/v1/conversations/{id}/events.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	convID, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	e, err := event.Unmarshal(body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	event.FillDefaults(e)

	if err := s.store.SaveEvent(r.Context(), convID, e); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.sendJSONError(w, http.StatusConflict, fmt.Sprintf("event %s already exists", e.EventID()))
			return
		}
		s.logger.Error("failed to save event", "error", err, "conversation_id", convID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.broadcaster.Publish(convID, e)

	results, err := s.callbacks.Dispatch(r.Context(), convID, e)
	if err != nil {
		s.logger.Error("failed to dispatch event", "error", err, "event_id", e.EventID())
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if results == nil {
		results = []*store.CallbackResult{}
	}
	s.writeJSON(w, http.StatusOK, IngestEventResponse{EventID: e.EventID(), Results: results})
}

// handleSearchEvents handles GET /api/v1/conversations/{id}/events/search.
func (s *Server) handleSearchEvents(w http.ResponseWriter, r *http.Request) {
	convID, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}
	limit, err := queryLimit(r, store.DefaultEventLimit, store.MaxEventLimit)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	params := event.SearchParams{
		ConversationID: convID,
		Kind:           event.Kind(q.Get("kind")),
		SortOrder:      event.SortOrder(q.Get("sort_order")),
		PageID:         q.Get("page_id"),
		Limit:          limit,
	}
	if params.Kind != "" && !event.KnownKind(params.Kind) {
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown event kind %q", params.Kind))
		return
	}
	switch params.SortOrder {
	case "", event.SortTimestamp, event.SortTimestampDesc:
	default:
		s.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown sort order %q", params.SortOrder))
		return
	}

	page, err := s.store.SearchEvents(r.Context(), params)
	if err != nil {
		if errors.Is(err, store.ErrInvalidPageID) {
			s.sendJSONError(w, http.StatusBadRequest, "invalid page_id")
			return
		}
		s.logger.Error("failed to search events", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := EventPageResponse{Items: make([]json.RawMessage, 0, len(page.Items)), NextPageID: page.NextPageID}
	for _, e := range page.Items {
		data, err := event.Marshal(e)
		if err != nil {
			s.logger.Error("failed to encode event", "error", err, "event_id", e.EventID())
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Items = append(resp.Items, data)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStreamEvents handles GET /api/v1/conversations/{id}/events/stream.
// Events ingested after the subscription starts are pushed as SSE "event" messages.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	convID, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, _ := s.broadcaster.Subscribe(ctx, convID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.writeSSEEvent(w, "connected", map[string]string{"conversation_id": convID.String()})
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			data, err := event.Marshal(e)
			if err != nil {
				s.logger.Error("failed to encode event", "error", err, "event_id", e.EventID())
				continue
			}
			s.writeSSEEvent(w, "event", json.RawMessage(data))
			flusher.Flush()
		}
	}
}

// handleCreateEventCallback handles POST /api/v1/event-callbacks.
func (s *Server) handleCreateEventCallback(w http.ResponseWriter, r *http.Request) {
	var cb store.EventCallback
	if err := decodeJSON(r, &cb); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.callbacks.Register(r.Context(), &cb); err != nil {
		switch {
		case errors.Is(err, callback.ErrInvalidCallback):
			s.sendJSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrDuplicate):
			s.sendJSONError(w, http.StatusConflict, fmt.Sprintf("event callback %s already exists", cb.ID))
		default:
			s.logger.Error("failed to register event callback", "error", err)
			s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, &cb)
}

// handleGetEventCallback handles GET /api/v1/event-callbacks/{id}.
func (s *Server) handleGetEventCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventCallbackID(w, r)
	if !ok {
		return
	}
	cb, err := s.callbacks.GetCallback(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Event callback %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error("failed to get event callback", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, cb)
}

// handleEventCallbackResults handles GET /api/v1/event-callbacks/{id}/results.
func (s *Server) handleEventCallbackResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.eventCallbackID(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, 100, maxCallbackResults)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.callbacks.GetCallback(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Event callback %s not found", id))
			return
		}
		s.logger.Error("failed to get event callback", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	results, err := s.callbacks.Results(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("failed to list callback results", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if results == nil {
		results = []*store.CallbackResult{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) eventCallbackID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return uuid.Nil, false
	}
	return id, true
}
