package oliver

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession implements discordSession, recording sent and edited
// embeds.
type mockSession struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	handlers  []any
	sent      []*discordgo.MessageEmbed
	edits     map[string]*discordgo.MessageEmbed
	reactions map[string][]string
	nextID    int
}

func newMockSession() *mockSession {
	return &mockSession{
		edits:     map[string]*discordgo.MessageEmbed{},
		reactions: map[string][]string{},
	}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockSession) AddHandler(handler any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {}
}

// messageCreateHandler returns the registered MessageCreate handler.
func (m *mockSession) messageCreateHandler(
	t testing.TB,
) func(*discordgo.Session, *discordgo.MessageCreate) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			return fn
		}
	}
	t.Fatal("no MessageCreate handler registered")
	return nil
}

func (m *mockSession) ChannelMessageSendEmbed(
	_ string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, embed)
	m.nextID++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.nextID)}, nil
}

func (m *mockSession) ChannelMessageEditEmbed(
	_ string,
	messageID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits[messageID] = embed
	return &discordgo.Message{ID: messageID}, nil
}

func (m *mockSession) MessageReactionAdd(
	_ string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[messageID] = append(m.reactions[messageID], emojiID)
	return nil
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSession) editedEmbed(messageID string) *discordgo.MessageEmbed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edits[messageID]
}

func newTestDiscord(t testing.TB, generator ReplyGenerator) (
	*Discord,
	*mockSession,
) {
	t.Helper()
	session := newMockSession()
	d := &Discord{
		session: session,
		config:  &DiscordConfig{ChannelID: "channel-1"},
		logger:  testLogger(t),
	}
	d.bot = &Oliver{
		orchestrator: newTestOrchestrator(t, generator),
	}
	return d, session
}

func TestEmbedReplyHandlerWaitingThenReply(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	d, session := newTestDiscord(
		t,
		staticGenerator("no llega a usarse en este test"),
	)
	handler := &embedReplyHandler{discord: d, channelID: "channel-1"}

	require.NoError(t, handler.SendWaiting(ctx, "Milagros"))
	require.Equal(t, 1, session.sentCount())
	assert.Equal(t, waitingTitle, session.sent[0].Title)
	assert.Equal(t, waitingBody, session.sent[0].Description)
	assert.Equal(t, embedColor, session.sent[0].Color)

	msgID, err := handler.SendReply(ctx, "Milagros", "¡hola genia!")
	require.NoError(t, err)

	// the waiting embed was edited in place, not replaced
	assert.Equal(t, "msg-1", msgID)
	assert.Equal(t, 1, session.sentCount())

	edited, ok := session.edits["msg-1"]
	require.True(t, ok)
	assert.Equal(t, replyTitle("Milagros"), edited.Title)
	assert.Equal(t, "¡hola genia!"+replyFollowUp, edited.Description)
	assert.Equal(t, embedFooterFinal, edited.Footer.Text)

	// ack reaction affordances attached
	assert.Equal(
		t,
		[]string{reactionYes, reactionNo},
		session.reactions["msg-1"],
	)
}

func TestEmbedReplyHandlerReplyWithoutWaiting(t *testing.T) {
	t.Parallel()
	d, session := newTestDiscord(t, staticGenerator("sin uso"))
	handler := &embedReplyHandler{discord: d, channelID: "channel-1"}

	msgID, err := handler.SendReply(testContext(t), "Milagros", "¡hola!")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msgID)
	assert.Equal(t, 1, session.sentCount())
	assert.Empty(t, session.edits)
}

func TestEmbedReplyHandlerErrorTitles(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	t.Run(
		"validation before waiting", func(t *testing.T) {
			d, session := newTestDiscord(t, staticGenerator("sin uso"))
			handler := &embedReplyHandler{discord: d, channelID: "channel-1"}

			_, err := handler.SendError(ctx, "Milagros", "escribí algo")
			require.NoError(t, err)
			require.Equal(t, 1, session.sentCount())
			assert.Equal(t, errorTitle, session.sent[0].Title)
			assert.Equal(t, embedFooter, session.sent[0].Footer.Text)
		},
	)

	t.Run(
		"failure after waiting", func(t *testing.T) {
			d, session := newTestDiscord(t, staticGenerator("sin uso"))
			handler := &embedReplyHandler{discord: d, channelID: "channel-1"}

			require.NoError(t, handler.SendWaiting(ctx, "Milagros"))
			_, err := handler.SendError(ctx, "Milagros", "me mandé un moco")
			require.NoError(t, err)

			edited, ok := session.edits["msg-1"]
			require.True(t, ok)
			assert.Equal(t, failureTitle("Milagros"), edited.Title)
			assert.Equal(t, embedFooterFinal, edited.Footer.Text)
		},
	)
}

func TestHandlerMessageCreateFilters(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	gen := staticGenerator("¡Hola genia! Todo piola por acá ✨")
	d, session := newTestDiscord(t, gen)
	handler := d.handlerMessageCreate(ctx)

	// bot authors are ignored
	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-1",
				Content:   "!ch hola",
				Author:    &discordgo.User{ID: "bot-1", Bot: true},
			},
		},
	)

	// other channels are ignored
	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-2",
				Content:   "!ch hola",
				Author:    &discordgo.User{ID: "user-1"},
			},
		},
	)

	assert.Equal(t, int64(0), d.metricMessagesHandled.Load())
	assert.Equal(t, 0, gen.callCount())
	assert.Equal(t, 0, session.sentCount())
}

func TestHandlerMessageCreateDispatch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	gen := staticGenerator("¡Hola genia! Todo piola por acá ✨")
	d, session := newTestDiscord(t, gen)
	handler := d.handlerMessageCreate(ctx)

	handler(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-1",
				Content:   "!ch hola oliver",
				Author:    &discordgo.User{ID: "user-1"},
			},
		},
	)

	// handling runs asynchronously, one goroutine per message
	assert.Eventually(
		t,
		func() bool {
			return gen.callCount() == 1 && session.sentCount() > 0
		},
		2*time.Second,
		5*time.Millisecond,
	)
	assert.Equal(t, int64(1), d.metricMessagesHandled.Load())
}

func TestHandlersOutliveStartupWindow(t *testing.T) {
	t.Parallel()
	runCtx := testContext(t)
	startCtx, cancel := context.WithTimeout(runCtx, 10*time.Millisecond)
	defer cancel()

	// honors its context, so a dead context would never produce a reply
	gen := &mockGenerator{
		fn: func(ctx context.Context, _ string) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "¡Sigo acá con toda la onda, genia! ✨", nil
		},
	}
	d, session := newTestDiscord(t, gen)
	require.NoError(t, d.connect(startCtx, runCtx))

	// the startup window is long gone by the time messages arrive
	<-startCtx.Done()

	session.messageCreateHandler(t)(
		nil, &discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-1",
				Content:   "!ch hola oliver",
				Author:    &discordgo.User{ID: "user-1"},
			},
		},
	)

	require.Eventually(
		t,
		func() bool {
			return session.editedEmbed("msg-1") != nil
		},
		2*time.Second,
		5*time.Millisecond,
	)

	edited := session.editedEmbed("msg-1")
	assert.Contains(t, edited.Description, "Sigo acá con toda la onda")
	assert.NotContains(t, edited.Description, "me mandé un moco")
	assert.Equal(t, 1, gen.callCount())
}

func TestConnectAfterStartupDeadline(t *testing.T) {
	t.Parallel()
	runCtx := testContext(t)
	startCtx, cancel := context.WithTimeout(runCtx, time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	d, session := newTestDiscord(t, staticGenerator("sin uso"))
	err := d.connect(startCtx, runCtx)
	require.Error(t, err)
	assert.False(t, session.opened)
}

func TestHandlerReady(t *testing.T) {
	t.Parallel()
	d, _ := newTestDiscord(t, staticGenerator("sin uso"))
	require.False(t, d.connected.Load())

	d.handlerReady(testContext(t))(
		nil,
		&discordgo.Ready{User: &discordgo.User{Username: "Oliver IA"}},
	)
	assert.True(t, d.connected.Load())
}

func TestHandlerReactionAdd(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	d, _ := newTestDiscord(t, staticGenerator("sin uso"))

	d.bot.orchestrator.sent.Record(
		SentMessage{
			MessageID:        "msg-1",
			Content:          "una respuesta",
			OriginalQuestion: "hola",
		},
	)

	handler := d.handlerReactionAdd(ctx)

	// known message with an ack emoji; just exercises the lookup path
	handler(
		nil, &discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: "msg-1",
				UserID:    "user-1",
				Emoji:     discordgo.Emoji{Name: reactionYes},
			},
		},
	)

	// unknown messages and other emojis are ignored
	handler(
		nil, &discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: "msg-unknown",
				UserID:    "user-1",
				Emoji:     discordgo.Emoji{Name: reactionNo},
			},
		},
	)
	handler(
		nil, &discordgo.MessageReactionAdd{
			MessageReaction: &discordgo.MessageReaction{
				MessageID: "msg-1",
				UserID:    "user-1",
				Emoji:     discordgo.Emoji{Name: "🔥"},
			},
		},
	)
}
