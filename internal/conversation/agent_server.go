// ABOUTME: HTTP client for asking an agent server to start a conversation
// ABOUTME: The server builds one for its lifetime since starts keep calling it after the request returns

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// AgentStartRequest is the body POSTed to the agent server.
type AgentStartRequest struct {
	ConversationID     uuid.UUID         `json:"conversation_id"`
	SandboxID          string            `json:"sandbox_id"`
	Image              string            `json:"image,omitempty"`
	Command            []string          `json:"command,omitempty"`
	WorkingDir         string            `json:"working_dir,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	InitialMessage     string            `json:"initial_message,omitempty"`
	LLMModel           string            `json:"llm_model,omitempty"`
	AgentType          string            `json:"agent_type,omitempty"`
	SelectedRepository string            `json:"selected_repository,omitempty"`
	SelectedBranch     string            `json:"selected_branch,omitempty"`
	GitProvider        string            `json:"git_provider,omitempty"`
}

// AgentServer starts conversations on an agent server.
type AgentServer interface {
	StartConversation(ctx context.Context, req *AgentStartRequest) error
	URL() string
}

// HTTPAgentServer talks to an agent server over HTTP.
type HTTPAgentServer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAgentServer creates a client for the agent server at baseURL.
// A nil client uses http.DefaultClient.
func NewHTTPAgentServer(baseURL string, client *http.Client) *HTTPAgentServer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAgentServer{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// URL returns the agent server base URL.
func (a *HTTPAgentServer) URL() string {
	return a.baseURL
}

// StartConversation POSTs the request to /api/conversations. Any non-2xx
// response is an error carrying the status and the start of the body.
func (a *HTTPAgentServer) StartConversation(ctx context.Context, req *AgentStartRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding agent start request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building agent start request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("contacting agent server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("agent server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
