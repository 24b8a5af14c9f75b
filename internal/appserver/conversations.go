// ABOUTME: HTTP handlers for app conversations: lookup, children, start, start tasks, and clear
// ABOUTME: Each handler opens a request scope and releases it exactly once on every exit path

package appserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/coven-appserver/internal/conversation"
	"github.com/google/uuid"
)

// ClearConversationResponse is the JSON response for POST /api/v1/app-conversations/{id}/clear.
type ClearConversationResponse struct {
	Message              string `json:"message"`
	NewConversationID    string `json:"new_conversation_id"`
	ParentConversationID string `json:"parent_conversation_id"`
	Status               string `json:"status"`
}

const clearedMessage = "Conversation history cleared. Runtime state preserved."

// openScope opens the request scope or writes a 500 and returns nil.
func (s *Server) openScope(w http.ResponseWriter, r *http.Request) *Scope {
	scope, err := s.scopes(r.Context())
	if err != nil {
		s.logger.Error("failed to open request scope", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil
	}
	return scope
}

// batchIDs collects ids from repeated ?ids= parameters; comma-separated values are split.
func batchIDs(r *http.Request) []string {
	var out []string
	for _, raw := range r.URL.Query()["ids"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// handleBatchGetConversations handles GET /api/v1/app-conversations?ids=...
// The result is positional with null for ids that match no conversation.
func (s *Server) handleBatchGetConversations(w http.ResponseWriter, r *http.Request) {
	raw := batchIDs(r)
	if len(raw) >= s.batchLimit {
		s.sendJSONError(w, http.StatusBadRequest, "Too many ids")
		return
	}

	ids := make([]uuid.UUID, 0, len(raw))
	var invalid []string
	for _, v := range raw {
		id, err := conversation.ParseID(v)
		if err != nil {
			invalid = append(invalid, v)
			continue
		}
		ids = append(ids, id)
	}
	if len(invalid) > 0 {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+strings.Join(invalid, ", "))
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	conversations, err := scope.Conversations.BatchGetConversations(r.Context(), ids)
	if err != nil {
		s.logger.Error("failed to batch get conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conversations == nil {
		conversations = []*conversation.AppConversation{}
	}
	s.writeJSON(w, http.StatusOK, conversations)
}

// handleGetConversation handles GET /api/v1/app-conversations/{id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	c, err := scope.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if c == nil {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Conversation %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

// handleListChildConversations handles GET /api/v1/app-conversations/children?parent_id=...
// Clearing a conversation adds a child, so this lists a conversation's cleared successors.
func (s *Server) handleListChildConversations(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("parent_id")
	id, err := conversation.ParseID(raw)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+raw)
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	parent, err := scope.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if parent == nil {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Conversation %s not found", id))
		return
	}

	children, err := scope.Conversations.ListChildConversations(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list child conversations", "conversation_id", id, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if children == nil {
		children = []*conversation.AppConversation{}
	}
	s.writeJSON(w, http.StatusOK, children)
}

// handleStartConversation handles POST /api/v1/app-conversations.
// It responds with the first start task; the start continues in the background.
func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var req conversation.StartRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	task, err := s.firstTask(r.Context(), scope, &req)
	if err != nil {
		s.logger.Error("failed to start conversation", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to start conversation: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleGetStartTask handles GET /api/v1/app-conversations/start-tasks/{id}.
func (s *Server) handleGetStartTask(w http.ResponseWriter, r *http.Request) {
	id, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	task, err := scope.Conversations.GetStartTask(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get start task", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if task == nil {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Start task %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// handleClearConversation handles POST /api/v1/app-conversations/{id}/clear.
// It starts a successor conversation in the same runtime, linked to id as its parent.
func (s *Server) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversation.ParseID(r.PathValue("id"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "Invalid UUID format: "+r.PathValue("id"))
		return
	}

	scope := s.openScope(w, r)
	if scope == nil {
		return
	}
	defer scope.Close()

	existing, err := scope.Conversations.GetConversation(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get conversation", "error", err, "conversation_id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to clear conversation: "+err.Error())
		return
	}
	if existing == nil {
		s.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Conversation %s not found", id))
		return
	}

	task, err := s.firstTask(r.Context(), scope, conversation.RequestFromConversation(existing))
	if err != nil {
		s.logger.Error("failed to clear conversation", "error", err, "conversation_id", id)
		s.sendJSONError(w, http.StatusInternalServerError, "Failed to clear conversation: "+err.Error())
		return
	}

	newID := task.ID
	if task.AppConversationID != nil {
		newID = *task.AppConversationID
	}
	s.logger.Info("cleared conversation", "parent_id", id, "new_id", newID, "status", task.Status)
	s.writeJSON(w, http.StatusOK, ClearConversationResponse{
		Message:              clearedMessage,
		NewConversationID:    conversation.HexID(newID),
		ParentConversationID: conversation.HexID(id),
		Status:               string(task.Status),
	})
}

// firstTask starts a conversation and stops consuming after the first update.
func (s *Server) firstTask(ctx context.Context, scope *Scope, req *conversation.StartRequest) (*conversation.StartTask, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return conversation.FirstTask(ctx, scope.Conversations.Start(ctx, req))
}
