package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/aimerfeng/CampusRAG/internal/provider"
	"github.com/aimerfeng/CampusRAG/internal/retrieval"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Chat errors
var (
	ErrEmptyContent = errors.New("message content is required")
	ErrEmptyUserID  = errors.New("user id is required")
	ErrBadID        = errors.New("conversation id is not a valid uuid")
)

// EventType tags a stream event
type EventType string

const (
	EventToken    EventType = "TOKEN"
	EventRAGStart EventType = "RAG_START"
	EventRAGDone  EventType = "RAG_DONE"
	EventDone     EventType = "DONE"
	EventError    EventType = "ERROR"
)

// Error codes carried by ERROR events
const (
	CodeValidation          = "VALIDATION"
	CodeNotFound            = "NOT_FOUND"
	CodeCancelled           = "CANCELLED"
	CodeTimeout             = "TIMEOUT"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

// Event is one entry of a chat stream
type Event struct {
	Type           EventType
	Text           string
	ConversationID string
	FinalMessage   string
	UsedRAG        bool
	Sources        []string
	Code           string
	Message        string
}

// Terminal reports whether the event ends the stream
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Payload returns the JSON body of the event
func (e Event) Payload() map[string]any {
	switch e.Type {
	case EventToken:
		return map[string]any{"text": e.Text}
	case EventDone:
		sources := e.Sources
		if sources == nil {
			sources = []string{}
		}
		return map[string]any{
			"conversationId": e.ConversationID,
			"finalMessage":   e.FinalMessage,
			"usedRag":        e.UsedRAG,
			"sources":        sources,
		}
	case EventError:
		return map[string]any{"code": e.Code, "message": e.Message}
	default:
		return map[string]any{}
	}
}

// State is a step of the per-turn state machine
type State string

const (
	StateIdle            State = "IDLE"
	StateGenerating      State = "GENERATING"
	StateToolCallPending State = "TOOL_CALL_PENDING"
	StateToolExecuting   State = "TOOL_EXECUTING"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
)

var stateTransitions = map[State][]State{
	StateIdle:            {StateGenerating, StateError},
	StateGenerating:      {StateToolCallPending, StateDone, StateError},
	StateToolCallPending: {StateToolExecuting, StateError},
	StateToolExecuting:   {StateGenerating, StateError},
}

// CanTransition reports whether a turn may move from one state to another
func CanTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Retriever runs knowledge base searches for the tool
type Retriever interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
}

// Auditor receives fire-and-forget audit events
type Auditor interface {
	Publish(ev models.AuditEvent)
}

// TurnRequest is one user message. An empty ConversationID starts a new conversation.
type TurnRequest struct {
	ConversationID string
	UserID         string
	Content        string
	IPAddress      string
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithStateObserver registers a callback for every state change of a turn
func WithStateObserver(fn func(conversationID string, from, to State)) Option {
	return func(o *Orchestrator) { o.observe = fn }
}

// Orchestrator runs chat turns: it streams the model's reply, executes at
// most one knowledge base search per turn and persists completed turns.
type Orchestrator struct {
	model     provider.ChatModel
	retriever Retriever
	topics    retrieval.TopicLister
	store     ConversationStore
	auditor   Auditor
	prompts   *PromptBuilder
	cfg       *config.ChatConfig
	locks     *conversationLocks
	observe   func(conversationID string, from, to State)
	now       func() time.Time
	logger    zerolog.Logger
}

// NewOrchestrator creates a chat orchestrator
func NewOrchestrator(model provider.ChatModel, retriever Retriever, topics retrieval.TopicLister, store ConversationStore, auditor Auditor, cfg *config.ChatConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		model:     model,
		retriever: retriever,
		topics:    topics,
		store:     store,
		auditor:   auditor,
		prompts:   NewPromptBuilder(cfg.SystemPrompt),
		cfg:       cfg,
		locks:     newConversationLocks(),
		now:       time.Now,
		logger:    logging.NewLogger("chat"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn is the mutable state of one HandleTurn call
type turn struct {
	o        *Orchestrator
	convID   string
	state    State
	emit     func(Event) error
	reply    strings.Builder
	usedRAG  bool
	sources  []string
	toolUsed bool
}

func (t *turn) to(next State) {
	if !CanTransition(t.state, next) {
		t.o.logger.Error().Str("from", string(t.state)).Str("to", string(next)).Msg("Illegal chat state transition")
	}
	if t.o.observe != nil {
		t.o.observe(t.convID, t.state, next)
	}
	t.state = next
}

// send delivers a non-terminal event. A failed write means the client is gone.
func (t *turn) send(ev Event) error {
	if err := t.emit(ev); err != nil {
		return apierrors.Cancellation("chat.emit", err)
	}
	return nil
}

// token forwards one fragment to the caller. A failed write aborts the generation.
func (t *turn) token(text string) error {
	if text == "" {
		return nil
	}
	t.reply.WriteString(text)
	return t.send(Event{Type: EventToken, Text: text})
}

// HandleTurn processes one user message and reports progress through emit.
// Exactly one terminal event, DONE or ERROR, is emitted. The returned error is
// nil after DONE and the failure cause after ERROR. Turns of the same
// conversation run one at a time.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest, emit func(Event) error) error {
	start := o.now()
	t := &turn{o: o, convID: req.ConversationID, state: StateIdle, emit: emit}

	err := o.run(ctx, req, t)
	if err == nil {
		monitoring.RecordChatTurn("done")
		logging.LogChatTurn(t.convID, req.UserID, "done", t.usedRAG, time.Since(start))
		return nil
	}

	if t.state != StateDone {
		t.to(StateError)
	}
	code, msg := errorEvent(ctx, err)
	outcome := "error"
	if code == CodeCancelled {
		outcome = "cancelled"
	}
	if emitErr := emit(Event{Type: EventError, Code: code, Message: msg}); emitErr != nil {
		o.logger.Debug().Err(emitErr).Str("conversation_id", t.convID).Msg("Could not deliver error event")
	}
	monitoring.RecordChatTurn(outcome)
	logging.LogChatTurn(t.convID, req.UserID, outcome, t.usedRAG, time.Since(start))
	return err
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, t *turn) error {
	const op = "chat.turn"
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return apierrors.Validation(op, ErrEmptyContent)
	}
	if req.UserID == "" {
		return apierrors.Validation(op, ErrEmptyUserID)
	}

	if o.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TurnTimeout)
		defer cancel()
	}

	conv, err := o.resolveConversation(ctx, req.UserID, req.ConversationID, content)
	if err != nil {
		return err
	}
	t.convID = conv.ID.String()

	release, err := o.locks.acquire(ctx, conv.ID)
	if err != nil {
		return apierrors.Cancellation(op, err)
	}
	defer release()

	history, err := o.store.Messages(ctx, conv.ID, o.cfg.HistoryLimit)
	if err != nil {
		return err
	}
	topics, err := o.topics.Topics(ctx, req.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.Cancellation(op, ctx.Err())
		}
		o.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Failed to load topics for system prompt")
	}
	if o.prompts.DetectLeakageAttempt(content) {
		o.logger.Warn().
			Str("conversation_id", t.convID).
			Str("user_id", req.UserID).
			Str("content", logging.SanitizeForLog(content, 100)).
			Msg("Possible system prompt extraction attempt")
	}

	msgs := o.prompts.Build(topics, history, content)
	if err := o.generate(ctx, req, t, msgs, content); err != nil {
		return err
	}

	final := t.reply.String()
	now := o.now().UTC()
	err = o.store.AppendTurns(ctx, conv.ID,
		models.ConversationTurn{Role: models.RoleUser, Content: content, CreatedAt: now},
		models.ConversationTurn{Role: models.RoleAssistant, Content: final, UsedRAG: t.usedRAG, Sources: t.sources, CreatedAt: now.Add(time.Microsecond)},
	)
	if err != nil {
		if ctx.Err() != nil {
			return apierrors.Cancellation(op, ctx.Err())
		}
		return err
	}

	t.to(StateDone)
	if err := t.emit(Event{
		Type:           EventDone,
		ConversationID: t.convID,
		FinalMessage:   final,
		UsedRAG:        t.usedRAG,
		Sources:        t.sources,
	}); err != nil {
		o.logger.Debug().Err(err).Str("conversation_id", t.convID).Msg("Could not deliver done event")
	}

	o.auditor.Publish(models.AuditEvent{
		ID:        uuid.New(),
		Action:    models.AuditActionMessageSent,
		Service:   "chat",
		UserID:    req.UserID,
		IPAddress: req.IPAddress,
		Detail: map[string]any{
			"conversation_id": t.convID,
			"used_rag":        t.usedRAG,
			"sources":         len(t.sources),
			"reply_chars":     utf8.RuneCountInString(final),
		},
		CreatedAt: now,
	})
	return nil
}

// generate streams model output, running the search tool at most once.
// A tool call after the first is ignored and the reply is generated without tools.
func (o *Orchestrator) generate(ctx context.Context, req TurnRequest, t *turn, msgs []provider.Message, content string) error {
	tools := []provider.ToolDefinition{SearchTool()}
	t.to(StateGenerating)

	for {
		resp, err := o.stream(ctx, t, msgs, tools)
		if err != nil {
			return err
		}

		if resp.Kind != provider.ResponseToolCall || resp.ToolCall == nil {
			return nil
		}

		call := resp.ToolCall
		if tools == nil || t.toolUsed || call.Name != SearchToolName {
			result := "ignored"
			if call.Name != SearchToolName {
				result = "unknown"
			}
			monitoring.RecordToolCall(call.Name, result)
			o.logger.Warn().
				Str("conversation_id", t.convID).
				Str("tool", call.Name).
				Bool("tool_used", t.toolUsed).
				Msg("Ignoring tool call")
			if tools == nil {
				return nil
			}
			tools = nil
			continue
		}

		t.toolUsed = true
		t.to(StateToolCallPending)
		args := parseSearchArgs(call.Arguments, content)

		t.to(StateToolExecuting)
		if err := t.send(Event{Type: EventRAGStart}); err != nil {
			return err
		}
		result, sources, err := o.search(ctx, req.UserID, args)
		if err != nil {
			return err
		}
		t.usedRAG = true
		t.sources = sources
		if err := t.send(Event{Type: EventRAGDone}); err != nil {
			return err
		}

		msgs = append(msgs,
			provider.Message{Role: provider.RoleAssistant, ToolCall: call},
			provider.Message{Role: provider.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: result},
		)
		t.to(StateGenerating)
	}
}

// stream runs one generation. Text the model returns without streaming it is
// forwarded as a single token.
func (o *Orchestrator) stream(ctx context.Context, t *turn, msgs []provider.Message, tools []provider.ToolDefinition) (*provider.Response, error) {
	streamed := false
	resp, err := o.model.Stream(ctx, msgs, tools, func(s string) error {
		if s != "" {
			streamed = true
		}
		return t.token(s)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierrors.Cancellation("chat.generate", ctx.Err())
		}
		return nil, err
	}
	if resp.Kind == provider.ResponseText && !streamed && resp.Text != "" {
		if err := t.token(resp.Text); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// search runs the tool. Search failures other than cancellation are reported
// to the model so the turn can still complete.
func (o *Orchestrator) search(ctx context.Context, userID string, args searchArgs) (string, []string, error) {
	resp, err := o.retriever.Search(ctx, retrieval.Request{Query: args.Query, UserID: userID, Topic: args.Topic})
	if err != nil {
		if ctx.Err() != nil || apierrors.IsCancellation(err) {
			monitoring.RecordToolCall(SearchToolName, "cancelled")
			return "", nil, apierrors.Cancellation("chat.search", err)
		}
		monitoring.RecordToolCall(SearchToolName, "error")
		o.logger.Warn().Err(err).Str("user_id", userID).Msg("Knowledge base search failed")
		return unavailableMessage, nil, nil
	}
	monitoring.RecordToolCall(SearchToolName, "ok")
	if len(resp.Sources) == 0 {
		return toolResult(resp), nil, nil
	}
	return toolResult(resp), resp.Sources, nil
}

// errorEvent maps a turn failure to an ERROR code and message
func errorEvent(ctx context.Context, err error) (string, string) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout, "The response took too long and was stopped."
	}
	switch apierrors.KindOf(err) {
	case apierrors.KindValidation:
		return CodeValidation, err.Error()
	case apierrors.KindNotFound:
		return CodeNotFound, ErrConversationNotFound.Error()
	case apierrors.KindCancellation:
		return CodeCancelled, "The request was cancelled."
	case apierrors.KindTransient:
		return CodeProviderUnavailable, "The assistant is temporarily unavailable. Please try again."
	default:
		return CodeInternal, "An internal error occurred."
	}
}

func (o *Orchestrator) resolveConversation(ctx context.Context, userID, convID, content string) (*models.Conversation, error) {
	if convID == "" {
		return o.CreateConversation(ctx, userID, titleFrom(content))
	}
	return o.GetConversation(ctx, userID, convID)
}

func titleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:60]) + "..."
	}
	return title
}

// CreateConversation starts an empty conversation for a user
func (o *Orchestrator) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	if userID == "" {
		return nil, apierrors.Validation("chat.create_conversation", ErrEmptyUserID)
	}
	now := o.now().UTC()
	conv := &models.Conversation{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     strings.TrimSpace(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns a conversation owned by userID
func (o *Orchestrator) GetConversation(ctx context.Context, userID, convID string) (*models.Conversation, error) {
	const op = "chat.get_conversation"
	id, err := uuid.Parse(convID)
	if err != nil {
		return nil, apierrors.NotFound(op, fmt.Errorf("%w: %s", ErrConversationNotFound, ErrBadID))
	}
	conv, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, apierrors.NotFound(op, err)
		}
		return nil, err
	}
	if conv.UserID != userID {
		return nil, apierrors.NotFound(op, ErrConversationNotFound)
	}
	return conv, nil
}

// ListConversations returns a user's conversations, most recently active first
func (o *Orchestrator) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*models.Conversation, error) {
	return o.store.List(ctx, userID, limit, offset)
}

// Messages returns every turn of a conversation owned by userID
func (o *Orchestrator) Messages(ctx context.Context, userID, convID string) ([]models.ConversationTurn, error) {
	conv, err := o.GetConversation(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	return o.store.Messages(ctx, conv.ID, 0)
}

// DeleteConversation removes a conversation owned by userID and its turns
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, convID string) error {
	conv, err := o.GetConversation(ctx, userID, convID)
	if err != nil {
		return err
	}
	if err := o.store.Delete(ctx, conv.ID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return apierrors.NotFound("chat.delete_conversation", err)
		}
		return err
	}
	return nil
}

// conversationLocks serializes turns per conversation
type conversationLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*conversationLock
}

type conversationLock struct {
	ch   chan struct{}
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[uuid.UUID]*conversationLock)}
}

// acquire waits for the conversation's lock or ctx, whichever comes first
func (l *conversationLocks) acquire(ctx context.Context, id uuid.UUID) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &conversationLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return func() {
			<-lock.ch
			l.unref(id, lock)
		}, nil
	case <-ctx.Done():
		l.unref(id, lock)
		return nil, ctx.Err()
	}
}

func (l *conversationLocks) unref(id uuid.UUID, lock *conversationLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}
