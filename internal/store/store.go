// ABOUTME: Data types and sentinel errors for coven-appserver persistence
// ABOUTME: Conversations, start tasks, event callbacks, callback results, Slack teams, sandbox specs

package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting a row whose key already exists
var ErrDuplicate = errors.New("already exists")

// ErrInvalidPageID is returned when a search cursor cannot be decoded
var ErrInvalidPageID = errors.New("invalid page id")

// Conversation is the application-level record of a conversation with an agent.
type Conversation struct {
	ID                   uuid.UUID  `json:"id"`
	CreatedByUserID      string     `json:"created_by_user_id,omitempty"`
	SandboxID            string     `json:"sandbox_id,omitempty"`
	SandboxStatus        string     `json:"sandbox_status,omitempty"`
	Title                string     `json:"title,omitempty"`
	ParentConversationID *uuid.UUID `json:"parent_conversation_id,omitempty"`
	LLMModel             string     `json:"llm_model,omitempty"`
	AgentType            string     `json:"agent_type,omitempty"`
	SelectedRepository   string     `json:"selected_repository,omitempty"`
	SelectedBranch       string     `json:"selected_branch,omitempty"`
	GitProvider          string     `json:"git_provider,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Sandbox status values recorded on conversations.
const (
	SandboxStatusStarting = "STARTING"
	SandboxStatusRunning  = "RUNNING"
	SandboxStatusPaused   = "PAUSED"
	SandboxStatusError    = "ERROR"
	SandboxStatusMissing  = "MISSING"
)

// StartTaskStatus is the progress of a conversation start.
type StartTaskStatus string

const (
	StartTaskWorking              StartTaskStatus = "WORKING"
	StartTaskWaitingForSandbox    StartTaskStatus = "WAITING_FOR_SANDBOX"
	StartTaskStartingConversation StartTaskStatus = "STARTING_CONVERSATION"
	StartTaskReady                StartTaskStatus = "READY"
	StartTaskError                StartTaskStatus = "ERROR"
)

// Terminal reports whether no further updates follow this status.
func (s StartTaskStatus) Terminal() bool {
	return s == StartTaskReady || s == StartTaskError
}

// StartRequest holds the parameters for starting a conversation.
// Unset fields are inherited from the parent when ParentConversationID is set.
type StartRequest struct {
	SandboxID            string     `json:"sandbox_id,omitempty"`
	SandboxSpecID        string     `json:"sandbox_spec_id,omitempty"`
	InitialMessage       string     `json:"initial_message,omitempty"`
	Title                string     `json:"title,omitempty"`
	ParentConversationID *uuid.UUID `json:"parent_conversation_id,omitempty"`
	LLMModel             string     `json:"llm_model,omitempty"`
	AgentType            string     `json:"agent_type,omitempty"`
	SelectedRepository   string     `json:"selected_repository,omitempty"`
	SelectedBranch       string     `json:"selected_branch,omitempty"`
	GitProvider          string     `json:"git_provider,omitempty"`
}

// StartTask tracks an in-progress conversation start.
type StartTask struct {
	ID                uuid.UUID       `json:"id"`
	CreatedByUserID   string          `json:"created_by_user_id,omitempty"`
	Status            StartTaskStatus `json:"status"`
	Detail            string          `json:"detail,omitempty"`
	AppConversationID *uuid.UUID      `json:"app_conversation_id,omitempty"`
	SandboxID         string          `json:"sandbox_id,omitempty"`
	AgentServerURL    string          `json:"agent_server_url,omitempty"`
	Request           StartRequest    `json:"request"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CallbackStatus controls whether an event callback receives events.
type CallbackStatus string

const (
	CallbackActive   CallbackStatus = "ACTIVE"
	CallbackDisabled CallbackStatus = "DISABLED"
)

// ProcessorSpec names a callback processor type and its JSON configuration.
type ProcessorSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EventCallback subscribes a processor to events.
// A nil ConversationID matches every conversation; an empty EventKind matches every kind.
type EventCallback struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID *uuid.UUID     `json:"conversation_id,omitempty"`
	Processor      ProcessorSpec  `json:"processor"`
	EventKind      string         `json:"event_kind,omitempty"`
	Status         CallbackStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CallbackResultStatus is the outcome of running a processor.
type CallbackResultStatus string

const (
	CallbackResultSuccess CallbackResultStatus = "SUCCESS"
	CallbackResultError   CallbackResultStatus = "ERROR"
)

// CallbackResult records one processor invocation.
type CallbackResult struct {
	ID              uuid.UUID            `json:"id"`
	Status          CallbackResultStatus `json:"status"`
	EventCallbackID uuid.UUID            `json:"event_callback_id"`
	EventID         uuid.UUID            `json:"event_id"`
	ConversationID  uuid.UUID            `json:"conversation_id"`
	Detail          string               `json:"detail,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// SlackTeam holds the bot credential installed for a Slack workspace.
type SlackTeam struct {
	TeamID      string
	TeamName    string
	BotToken    string
	InstalledAt time.Time
}

// SandboxSpec describes how a sandbox for the agent server is launched.
type SandboxSpec struct {
	ID         string            `json:"id"`
	Command    []string          `json:"command,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	InitialEnv map[string]string `json:"initial_env,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
