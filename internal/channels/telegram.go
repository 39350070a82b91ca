package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/dispatch"
)

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	agentID    string
	allowedIDs map[int64]struct{}
	inbound    Inbound
	events     *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	// pendingMu protects pending: run id -> chat id, for routing run
	// lifecycle events back to the chat that started the run.
	pendingMu sync.Mutex
	pending   map[string]int64

	// streamMu protects streamMsgs for progressive editing.
	streamMu   sync.Mutex
	streamMsgs map[string]*streamState // run id -> streaming state
}

// streamState tracks progressive editing for a streaming run.
type streamState struct {
	chatID    int64
	messageID int
	text      strings.Builder
	lastEdit  time.Time
}

// NewTelegramChannel creates a new Telegram channel. events may be nil, in
// which case streaming edits and error notices are disabled.
func NewTelegramChannel(token, agentID string, allowedIDs []int64, inbound Inbound, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		agentID:    agentID,
		allowedIDs: allowed,
		inbound:    inbound,
		events:     events,
		logger:     logger,
		pending:    make(map[string]int64),
		streamMsgs: make(map[string]*streamState),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.events != nil {
		go t.monitorRuns(ctx)
	}

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	in := dispatch.InboundMessage{
		AgentID:    t.agentID,
		Channel:    t.Name(),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		ChatType:   telegramChatType(msg.Chat),
		Body:       content,
		Authorized: true, // anyone past the allow-list may use directives
	}
	if in.ChatType != "direct" {
		in.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if id := telegramThreadID(msg); id != "" {
		in.ThreadID = id
	}

	receipt, err := t.inbound.Handle(ctx, in)
	if err != nil {
		t.logger.Error("telegram message handling failed", "error", err, "chat_id", msg.Chat.ID)
		t.reply(msg.Chat.ID, "Something went wrong handling that message.")
		return
	}

	if receipt.Reply != "" {
		t.reply(msg.Chat.ID, receipt.Reply)
	}
	if receipt.RunID != "" {
		t.pendingMu.Lock()
		t.pending[receipt.RunID] = msg.Chat.ID
		t.pendingMu.Unlock()
	}
}

// telegramChatType maps Telegram chat kinds onto the session routing
// vocabulary: direct, group, channel.
func telegramChatType(chat *tgbotapi.Chat) string {
	switch {
	case chat == nil:
		return "direct"
	case chat.IsGroup(), chat.IsSuperGroup():
		return "group"
	case chat.IsChannel():
		return "channel"
	default:
		return "direct"
	}
}

// telegramThreadID derives a thread marker for reply chains inside groups.
// Direct chats never fork threads.
func telegramThreadID(msg *tgbotapi.Message) string {
	if msg.Chat == nil || msg.Chat.IsPrivate() {
		return ""
	}
	if msg.ReplyToMessage == nil {
		return ""
	}
	return strconv.Itoa(msg.ReplyToMessage.MessageID)
}

// Deliver sends the final run output. If the run was streaming into a
// placeholder message, the placeholder is edited to the final text instead
// of sending a duplicate. Satisfies Sender.
func (t *TelegramChannel) Deliver(ctx context.Context, target dispatch.Target, payloads []agent.Payload) error {
	chatID, err := strconv.ParseInt(target.To, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id: %w", target.To, err)
	}

	replyTo := 0
	if target.ThreadID != "" {
		if id, err := strconv.Atoi(target.ThreadID); err == nil {
			replyTo = id
		}
	}

	state := t.takeStreamForChat(chatID)
	for i, p := range payloads {
		text := p.Text
		if text == "" && p.MediaURL != "" {
			text = p.MediaURL
		}
		if text == "" {
			continue
		}
		if i == 0 && state != nil && state.messageID != 0 {
			t.editMessageText(chatID, state.messageID, text)
			continue
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if replyTo != 0 {
			msg.ReplyToMessageID = replyTo
		}
		if _, err := t.bot.Send(msg); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// monitorRuns consumes run lifecycle events: progressive message edits for
// streamed output, and failure notices for runs that never delivered.
func (t *TelegramChannel) monitorRuns(ctx context.Context) {
	sub := t.events.Subscribe(bus.TopicRunPrefix)
	defer t.events.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.RunOutputEvent:
				if p.Stream == "text" && p.Data != "" {
					t.onStreamChunk(p.RunID, p.Data)
				}
			case bus.RunEndEvent:
				t.finishRun(p.RunID)
			case bus.RunErrorEvent:
				if chatID, ok := t.finishRun(p.RunID); ok {
					t.reply(chatID, "The run failed; please try again.")
				}
			}
		}
	}
}

// onStreamChunk progressively edits a placeholder message as output arrives,
// rate-limited to ~1 edit/second to avoid Telegram 429 errors.
func (t *TelegramChannel) onStreamChunk(runID, chunk string) {
	t.pendingMu.Lock()
	chatID, pending := t.pending[runID]
	t.pendingMu.Unlock()
	if !pending {
		return
	}

	t.streamMu.Lock()
	state, exists := t.streamMsgs[runID]
	if !exists {
		// First chunk: send a new placeholder message.
		state = &streamState{chatID: chatID}
		sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk))
		if err != nil {
			t.logger.Warn("failed to send stream placeholder", "run_id", runID, "error", err)
			t.streamMu.Unlock()
			return
		}
		state.messageID = sent.MessageID
		state.text.WriteString(chunk)
		state.lastEdit = time.Now()
		t.streamMsgs[runID] = state
		t.streamMu.Unlock()
		return
	}

	state.text.WriteString(chunk)
	if time.Since(state.lastEdit) < time.Second {
		t.streamMu.Unlock()
		return
	}
	text := state.text.String()
	msgID := state.messageID
	state.lastEdit = time.Now()
	t.streamMu.Unlock()

	t.editMessageText(chatID, msgID, text)
}

// finishRun drops the run's routing entry and any leftover stream state,
// returning the chat that owned it.
func (t *TelegramChannel) finishRun(runID string) (int64, bool) {
	t.pendingMu.Lock()
	chatID, ok := t.pending[runID]
	delete(t.pending, runID)
	t.pendingMu.Unlock()

	t.streamMu.Lock()
	delete(t.streamMsgs, runID)
	t.streamMu.Unlock()
	return chatID, ok
}

// takeStreamForChat removes and returns the streaming state for a chat, if
// any run is mid-stream there. Runs per lane are serialized, so one chat has
// at most one live stream.
func (t *TelegramChannel) takeStreamForChat(chatID int64) *streamState {
	t.streamMu.Lock()
	defer t.streamMu.Unlock()
	for runID, st := range t.streamMsgs {
		if st.chatID == chatID {
			delete(t.streamMsgs, runID)
			return st
		}
	}
	return nil
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// editMessageText progressively updates an existing Telegram message.
func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}
