package oliver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/lmittmann/tint"
)

var (
	// ErrEmptyMessage is the only failure surfaced to the user as an
	// explicit validation notice: the command prefix with nothing after it.
	ErrEmptyMessage = errors.New("empty message body")

	// ErrUnrecognizedPrefix means the raw text didn't start with a chat
	// command prefix; the message isn't for us.
	ErrUnrecognizedPrefix = errors.New("unrecognized command prefix")
)

// sentMessageLimit bounds the recently-sent index.
const sentMessageLimit = 100

// ReplyGenerator produces reply text for a prompt. Satisfied by
// ModelGenerator; tests swap in a mock.
type ReplyGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ReplyHandler delivers formatted output back to the surface the message
// came from. Implemented by the discord layer; the orchestrator only
// cares about content.
type ReplyHandler interface {
	// SendWaiting posts a transient "thinking" notice
	SendWaiting(ctx context.Context, speaker string) error

	// SendReply delivers the final reply, returning the id of the
	// delivered message
	SendReply(ctx context.Context, speaker string, reply string) (string, error)

	// SendError delivers a failure or validation notice
	SendError(ctx context.Context, speaker string, description string) (string, error)
}

// ChatRequest is one inbound chat message entering the pipeline.
type ChatRequest struct {
	// UserID is the stable id of the speaker
	UserID string

	// RawText is the message content as received, prefix included
	RawText string

	// SpeakerName is the roster display label, filled in during handling
	SpeakerName string

	// Message is the body after prefix stripping, filled in during handling
	Message string

	handler ReplyHandler
}

// SentMessage records a delivered reply for downstream reaction handling.
type SentMessage struct {
	MessageID        string
	Content          string
	OriginalQuestion string
	SentAt           time.Time
}

// sentMessageIndex is the short-lived "recently sent" index: delivered
// message id -> what was sent and which question produced it.
type sentMessageIndex struct {
	byID  map[string]SentMessage
	order []string
	limit int
	mu    sync.Mutex
}

func newSentMessageIndex(limit int) *sentMessageIndex {
	if limit <= 0 {
		limit = sentMessageLimit
	}
	return &sentMessageIndex{
		byID:  map[string]SentMessage{},
		limit: limit,
	}
}

func (s *sentMessageIndex) Record(m SentMessage) {
	if m.MessageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[m.MessageID]; !ok {
		s.order = append(s.order, m.MessageID)
	}
	s.byID[m.MessageID] = m

	for len(s.order) > s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
}

func (s *sentMessageIndex) Get(messageID string) (SentMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[messageID]
	return m, ok
}

func (s *sentMessageIndex) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Orchestrator is the central coordinator: it turns an inbound chat
// message into a moderated, context-aware model request and durably
// persists the evolving per-user state. All collaborators are explicit
// fields - no package-level state - so tests get clean isolation from a
// fresh Orchestrator per test.
type Orchestrator struct {
	config    *ChatConfig
	store     *ConversationStore
	adapter   *StoreAdapter
	cache     *ReplyCache
	locks     *userLockMap
	generator ReplyGenerator
	sent      *sentMessageIndex
	logger    *slog.Logger
}

// NewOrchestrator wires the conversation pipeline together.
func NewOrchestrator(
	config *ChatConfig,
	store *ConversationStore,
	adapter *StoreAdapter,
	generator ReplyGenerator,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "chat")
	return &Orchestrator{
		config:    config,
		store:     store,
		adapter:   adapter,
		cache:     NewReplyCache(config.CacheTTL),
		locks:     newUserLockMap(config.LockWarnAfter, logger),
		generator: generator,
		sent:      newSentMessageIndex(sentMessageLimit),
		logger:    logger,
	}
}

// SpeakerName maps a user id to its display label via the roster.
func (o *Orchestrator) SpeakerName(userID string) string {
	if name, ok := o.config.SpeakerRoster[userID]; ok {
		return name
	}
	return o.config.DefaultSpeakerName
}

// SentMessages exposes the recently-sent index for reaction handling.
func (o *Orchestrator) SentMessages() interface {
	Get(messageID string) (SentMessage, bool)
} {
	return o.sent
}

// HandleMessage runs the full pipeline for one inbound message. The only
// error surfaced to the caller is validation (empty body, unrecognized
// prefix); model failures are recovered internally with a fallback reply.
// The per-user lock is released on every exit path.
func (o *Orchestrator) HandleMessage(
	ctx context.Context,
	req *ChatRequest,
	handler ReplyHandler,
) error {
	req.handler = handler
	req.SpeakerName = o.SpeakerName(req.UserID)

	logger := o.logger.With(
		slog.Group("chat_request", chatRequestLogAttrs(*req)...),
	)
	ctx = WithLogger(ctx, logger)

	body, ok := stripPrefix(req.RawText, o.config.Prefixes)
	if !ok {
		return ErrUnrecognizedPrefix
	}
	if body == "" {
		// fail fast: no lock, no state mutation, no model call
		logger.InfoContext(ctx, "empty message body")
		if _, err := handler.SendError(
			ctx,
			req.SpeakerName,
			emptyMessageReply(req.SpeakerName),
		); err != nil {
			logger.ErrorContext(ctx, "error sending validation notice", tint.Err(err))
		}
		return ErrEmptyMessage
	}
	req.Message = body

	// Cache hits skip lock acquisition and state mutation entirely, so a
	// replayed answer never lands in conversation history. Known
	// asymmetry, kept on purpose.
	if cached, hit := o.cache.Get(req.UserID, body); hit {
		logger.InfoContext(ctx, "cache hit")
		o.deliver(ctx, logger, req, cached)
		return nil
	}

	o.locks.Acquire(req.UserID)
	defer o.locks.Release(req.UserID)

	o.store.EnsureUser(req.UserID, o.config.DefaultStatus)
	o.applyStatusTriggers(ctx, logger, req.UserID, body)

	o.store.Append(
		req.UserID,
		ConversationEntry{
			Role:        RoleUser,
			Content:     body,
			Timestamp:   time.Now().UnixMilli(),
			SpeakerName: req.SpeakerName,
		},
		o.config.HistoryLimit,
	)

	transcript := o.renderTranscript(req.UserID)
	status, _ := o.store.Status(req.UserID)
	prompt := personaPrompt(req.SpeakerName, body, transcript, status.Status)

	if err := handler.SendWaiting(ctx, req.SpeakerName); err != nil {
		logger.WarnContext(ctx, "error sending waiting notice", tint.Err(err))
	}

	raw, err := o.generator.Generate(ctx, prompt)
	if err != nil {
		// the user turn was already appended, so state is still flushed;
		// the cache is left alone so the next identical question gets a
		// real attempt
		logger.ErrorContext(ctx, "model call failed", tint.Err(err))
		o.adapter.Save(ctx, o.store)
		if _, sendErr := handler.SendError(
			ctx,
			req.SpeakerName,
			fallbackReply(req.SpeakerName),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending fallback", tint.Err(sendErr))
		}
		return nil
	}

	reply, substituted := o.sanitizeReply(raw, req.SpeakerName)
	if substituted {
		logger.WarnContext(
			ctx,
			"rejected raw reply",
			"raw_length", utf8.RuneCountInString(raw),
		)
	}

	o.store.Append(
		req.UserID,
		ConversationEntry{
			Role:        RoleAssistant,
			Content:     reply,
			Timestamp:   time.Now().UnixMilli(),
			SpeakerName: botSpeakerName,
		},
		o.config.HistoryLimit,
	)

	o.adapter.Save(ctx, o.store)
	o.cache.Set(req.UserID, body, reply)
	o.deliver(ctx, logger, req, reply)
	return nil
}

// applyStatusTriggers scans the body for configured keywords and updates
// the user's status label when one matches. First match wins.
func (o *Orchestrator) applyStatusTriggers(
	ctx context.Context,
	logger *slog.Logger,
	userID string,
	body string,
) {
	for keyword, status := range o.config.StatusTriggers {
		if containsFold(body, keyword) {
			logger.InfoContext(
				ctx,
				"status trigger matched",
				"keyword", keyword,
				"status", status,
			)
			o.store.SetStatus(userID, status)
			return
		}
	}
}

// renderTranscript renders the user's recent turns as an ordered
// speaker-labeled transcript. Verbatim recent turns only - no
// summarization.
func (o *Orchestrator) renderTranscript(userID string) string {
	entries := o.store.Recent(userID, o.config.ContextWindow)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.SpeakerName+": "+e.Content)
	}
	return strings.Join(lines, "\n")
}

// sanitizeReply rejects implausibly short replies and replies leaking
// internal instruction artifacts, substituting the fixed safe reply, then
// truncates anything over the delivery ceiling. The returned bool reports
// whether a substitution happened.
func (o *Orchestrator) sanitizeReply(
	raw string,
	speaker string,
) (string, bool) {
	reply := strings.TrimSpace(raw)
	substituted := false

	if utf8.RuneCountInString(reply) < o.config.MinReplyLength {
		reply = sanitizedReply(speaker)
		substituted = true
	} else if o.leaksMarkers(reply) {
		reply = sanitizedReply(speaker)
		substituted = true
	}

	reply = shortenReply(
		reply,
		o.config.TruncatedReplyLength,
		o.config.MaxReplyLength,
		continuationNotice,
	)
	return reply, substituted
}

// leaksMarkers reports whether the reply contains a forbidden marker: a
// configured substring, or a roster identity label used as a transcript
// speaker tag.
func (o *Orchestrator) leaksMarkers(reply string) bool {
	for _, marker := range o.config.ForbiddenMarkers {
		if containsFold(reply, marker) {
			return true
		}
	}
	for _, label := range o.config.SpeakerRoster {
		if containsFold(reply, label+":") {
			return true
		}
	}
	if o.config.DefaultSpeakerName != "" &&
		containsFold(reply, o.config.DefaultSpeakerName+":") {
		return true
	}
	return false
}

// deliver sends the reply and records it in the recently-sent index.
func (o *Orchestrator) deliver(
	ctx context.Context,
	logger *slog.Logger,
	req *ChatRequest,
	reply string,
) {
	messageID, err := req.handler.SendReply(ctx, req.SpeakerName, reply)
	if err != nil {
		logger.ErrorContext(ctx, "error delivering reply", tint.Err(err))
		return
	}
	o.sent.Record(
		SentMessage{
			MessageID:        messageID,
			Content:          reply,
			OriginalQuestion: req.Message,
			SentAt:           time.Now(),
		},
	)
}
