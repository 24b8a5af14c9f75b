// ABOUTME: Conversation service: lookups and the asynchronous start producer
// ABOUTME: Start yields task snapshots on a channel and keeps persisting after the consumer stops

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/coven-appserver/internal/sandbox"
	"github.com/2389/coven-appserver/internal/store"
	"github.com/google/uuid"
)

// DefaultStartTimeout bounds the part of a start that runs after the first update.
const DefaultStartTimeout = 30 * time.Second

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	BatchGetConversations(ctx context.Context, ids []uuid.UUID) ([]*store.Conversation, error)
	CreateConversation(ctx context.Context, c *store.Conversation) error
	UpdateConversationSandbox(ctx context.Context, id uuid.UUID, sandboxID, status string) error
	SaveStartTask(ctx context.Context, t *store.StartTask) error
	GetStartTask(ctx context.Context, id uuid.UUID) (*store.StartTask, error)
	ListChildConversations(ctx context.Context, parentID uuid.UUID) ([]*store.Conversation, error)
}

// Deps wires a Service.
type Deps struct {
	// Store serves lookups and the first start update. Usually a request-scoped session.
	Store ConversationStore
	// Background persists the rest of a start after the first update. Defaults to Store.
	Background ConversationStore
	Specs      sandbox.SpecService
	// AgentServer is optional; without it conversations are recorded but not started remotely.
	AgentServer  AgentServer
	UserID       string
	StartTimeout time.Duration
	Image        string
	// Environ is the process environment forwarded to agent servers. Defaults to os.Environ().
	Environ []string
	// Starts tracks background starts across services; nil leaves them untracked.
	Starts *StartTracker
	Logger *slog.Logger
}

// Service implements conversation lookups and starts for one user.
type Service struct {
	store        ConversationStore
	background   ConversationStore
	specs        sandbox.SpecService
	agent        AgentServer
	userID       string
	startTimeout time.Duration
	image        string
	environ      []string
	starts       *StartTracker
	logger       *slog.Logger
}

// New creates a conversation Service
func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	background := d.Background
	if background == nil {
		background = d.Store
	}
	timeout := d.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	environ := d.Environ
	if environ == nil {
		environ = os.Environ()
	}
	image := d.Image
	if image == "" {
		image = sandbox.DefaultAgentServerImage
	}
	return &Service{
		store:        d.Store,
		background:   background,
		specs:        d.Specs,
		agent:        d.AgentServer,
		userID:       d.UserID,
		startTimeout: timeout,
		image:        image,
		environ:      environ,
		starts:       d.Starts,
		logger:       logger.With("component", "conversation"),
	}
}

// GetConversation returns the conversation, or nil without error when it doesn't exist.
func (s *Service) GetConversation(ctx context.Context, id uuid.UUID) (*AppConversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChildConversations returns the conversations started from parentID, oldest first.
func (s *Service) ListChildConversations(ctx context.Context, parentID uuid.UUID) ([]*AppConversation, error) {
	return s.store.ListChildConversations(ctx, parentID)
}

// BatchGetConversations returns one entry per id, in order, nil where missing.
func (s *Service) BatchGetConversations(ctx context.Context, ids []uuid.UUID) ([]*AppConversation, error) {
	return s.store.BatchGetConversations(ctx, ids)
}

// GetStartTask returns the task, or nil without error when it doesn't exist.
func (s *Service) GetStartTask(ctx context.Context, id uuid.UUID) (*StartTask, error) {
	t, err := s.store.GetStartTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Start begins creating a conversation and returns a channel of task updates.
//
// The first update is the persisted WORKING task. Later updates follow the
// task through WAITING_FOR_SANDBOX and STARTING_CONVERSATION to READY or
// ERROR. When ctx is cancelled delivery stops, but the remaining steps run to
// completion and are persisted. An error before the first task is produced
// arrives as a single StartUpdate with Err set. The channel is always closed.
func (s *Service) Start(ctx context.Context, req *StartRequest) <-chan StartUpdate {
	out := make(chan StartUpdate)
	run := func() {
		defer close(out)
		s.runStart(ctx, *req, out)
	}
	if s.starts != nil {
		s.starts.Go(run)
	} else {
		go run()
	}
	return out
}

// startRun carries the state of one Start call.
type startRun struct {
	svc        *Service
	task       *StartTask
	out        chan<- StartUpdate
	deliverCtx context.Context
	delivering bool
	logger     *slog.Logger
}

// emit persists the task and delivers a snapshot if the consumer is still reading.
func (r *startRun) emit(ctx context.Context, status store.StartTaskStatus) {
	r.task.Status = status
	if err := r.svc.background.SaveStartTask(ctx, r.task); err != nil {
		r.logger.Error("failed to save start task", "error", err, "status", status)
	}
	r.deliver()
}

func (r *startRun) deliver() {
	if !r.delivering {
		return
	}
	snapshot := *r.task
	select {
	case r.out <- StartUpdate{Task: &snapshot}:
	case <-r.deliverCtx.Done():
		r.delivering = false
		r.logger.Debug("start consumer stopped reading", "status", r.task.Status)
	}
}

func (r *startRun) fail(ctx context.Context, err error) {
	r.logger.Warn("conversation start failed", "error", err)
	r.task.Detail = err.Error()
	r.emit(ctx, store.StartTaskError)
}

func (s *Service) runStart(ctx context.Context, req StartRequest, out chan<- StartUpdate) {
	convID := uuid.New()
	task := &StartTask{
		ID:                uuid.New(),
		CreatedByUserID:   s.userID,
		Status:            store.StartTaskWorking,
		AppConversationID: &convID,
		Request:           req,
	}
	logger := s.logger.With("task_id", task.ID, "conversation_id", convID)

	if err := s.store.SaveStartTask(ctx, task); err != nil {
		select {
		case out <- StartUpdate{Err: fmt.Errorf("saving start task: %w", err)}:
		case <-ctx.Done():
		}
		return
	}

	run := &startRun{
		svc:        s,
		task:       task,
		out:        out,
		deliverCtx: ctx,
		delivering: true,
		logger:     logger,
	}
	run.deliver()

	// Everything after the first update outlives the caller's context
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.startTimeout)
	defer cancel()
	if s.starts != nil {
		stop := context.AfterFunc(s.starts.ctx, cancel)
		defer stop()
	}

	err := s.continueStart(bgCtx, run, &req)
	// the final status is saved even when the start timed out or was aborted
	finalCtx := context.WithoutCancel(bgCtx)
	if err != nil {
		run.fail(finalCtx, err)
		return
	}
	run.emit(finalCtx, store.StartTaskReady)
	logger.Info("conversation started", "sandbox_id", task.SandboxID)
}

func (s *Service) continueStart(ctx context.Context, run *startRun, req *StartRequest) error {
	task := run.task
	conv := &store.Conversation{
		ID:                   *task.AppConversationID,
		CreatedByUserID:      s.userID,
		Title:                req.Title,
		ParentConversationID: req.ParentConversationID,
		LLMModel:             req.LLMModel,
		AgentType:            req.AgentType,
		SelectedRepository:   req.SelectedRepository,
		SelectedBranch:       req.SelectedBranch,
		GitProvider:          req.GitProvider,
		SandboxID:            req.SandboxID,
	}

	if req.ParentConversationID != nil {
		parent, err := s.background.GetConversation(ctx, *req.ParentConversationID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent conversation %s not found", *req.ParentConversationID)
		}
		if err != nil {
			return fmt.Errorf("loading parent conversation: %w", err)
		}
		inheritFromParent(conv, parent)
	}

	var spec *sandbox.Spec
	if conv.SandboxID == "" {
		run.emit(ctx, store.StartTaskWaitingForSandbox)
		var err error
		spec, err = s.resolveSpec(ctx, req.SandboxSpecID)
		if err != nil {
			return err
		}
		conv.SandboxID = "sandbox-" + HexID(uuid.New())
		conv.SandboxStatus = store.SandboxStatusStarting
	}
	task.SandboxID = conv.SandboxID

	run.emit(ctx, store.StartTaskStartingConversation)
	if err := s.background.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	if s.agent == nil {
		return nil
	}

	agentReq := &AgentStartRequest{
		ConversationID:     conv.ID,
		SandboxID:          conv.SandboxID,
		Image:              s.image,
		InitialMessage:     req.InitialMessage,
		LLMModel:           conv.LLMModel,
		AgentType:          conv.AgentType,
		SelectedRepository: conv.SelectedRepository,
		SelectedBranch:     conv.SelectedBranch,
		GitProvider:        conv.GitProvider,
	}
	env, err := sandbox.AgentServerEnv(s.environ)
	if err != nil {
		return err
	}
	if spec != nil {
		agentReq.Command = spec.Command
		agentReq.WorkingDir = spec.WorkingDir
		for k, v := range spec.InitialEnv {
			if _, set := env[k]; !set {
				env[k] = v
			}
		}
	}
	agentReq.Env = env

	if err := s.agent.StartConversation(ctx, agentReq); err != nil {
		if updErr := s.background.UpdateConversationSandbox(context.WithoutCancel(ctx), conv.ID, conv.SandboxID, store.SandboxStatusError); updErr != nil {
			run.logger.Error("failed to record sandbox error", "error", updErr)
		}
		return err
	}
	task.AgentServerURL = s.agent.URL()
	if err := s.background.UpdateConversationSandbox(ctx, conv.ID, conv.SandboxID, store.SandboxStatusRunning); err != nil {
		return fmt.Errorf("recording sandbox status: %w", err)
	}
	return nil
}

func (s *Service) resolveSpec(ctx context.Context, specID string) (*sandbox.Spec, error) {
	if s.specs == nil {
		return nil, sandbox.ErrNoSpecs
	}
	if specID == "" {
		return sandbox.DefaultSpec(ctx, s.specs)
	}
	spec, err := s.specs.GetSpec(ctx, specID)
	if err != nil {
		return nil, fmt.Errorf("loading sandbox spec: %w", err)
	}
	if spec == nil {
		return nil, fmt.Errorf("sandbox spec %s not found", specID)
	}
	return spec, nil
}

// inheritFromParent fills every unset field of conv from parent, keeping the
// parent's runtime (sandbox) so the new conversation shares it.
func inheritFromParent(conv, parent *store.Conversation) {
	if conv.SandboxID == "" {
		conv.SandboxID = parent.SandboxID
		conv.SandboxStatus = parent.SandboxStatus
	}
	if conv.Title == "" {
		conv.Title = parent.Title
	}
	if conv.LLMModel == "" {
		conv.LLMModel = parent.LLMModel
	}
	if conv.AgentType == "" {
		conv.AgentType = parent.AgentType
	}
	if conv.SelectedRepository == "" {
		conv.SelectedRepository = parent.SelectedRepository
	}
	if conv.SelectedBranch == "" {
		conv.SelectedBranch = parent.SelectedBranch
	}
	if conv.GitProvider == "" {
		conv.GitProvider = parent.GitProvider
	}
}

// RequestFromConversation builds a start request that continues c in the same
// runtime: the configuration is copied and c becomes the parent.
func RequestFromConversation(c *AppConversation) *StartRequest {
	parent := c.ID
	return &StartRequest{
		SandboxID:            c.SandboxID,
		Title:                c.Title,
		ParentConversationID: &parent,
		LLMModel:             c.LLMModel,
		AgentType:            c.AgentType,
		SelectedRepository:   c.SelectedRepository,
		SelectedBranch:       c.SelectedBranch,
		GitProvider:          c.GitProvider,
	}
}
