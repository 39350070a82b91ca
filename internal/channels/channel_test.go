package channels

import (
	"context"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/dispatch"
)

// stubInbound records every message and answers with a canned receipt.
type stubInbound struct {
	mu      sync.Mutex
	msgs    []dispatch.InboundMessage
	receipt dispatch.Receipt
	onMsg   func(dispatch.InboundMessage)
}

func (s *stubInbound) Handle(ctx context.Context, msg dispatch.InboundMessage) (*dispatch.Receipt, error) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	if s.onMsg != nil {
		s.onMsg(msg)
	}
	r := s.receipt
	return &r, nil
}

func (s *stubInbound) received() []dispatch.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.InboundMessage, len(s.msgs))
	copy(out, s.msgs)
	return out
}

type recordingSender struct {
	mu      sync.Mutex
	targets []dispatch.Target
}

func (r *recordingSender) Deliver(ctx context.Context, t dispatch.Target, payloads []agent.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, t)
	return nil
}

func TestRegistry_RoutesByChannelName(t *testing.T) {
	reg := NewRegistry()
	tg := &recordingSender{}
	cli := &recordingSender{}
	reg.Register("telegram", tg)
	reg.Register("cli", cli)

	err := reg.Deliver(context.Background(), dispatch.Target{Channel: "telegram", To: "42"}, []agent.Payload{{Text: "hi"}})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(tg.targets) != 1 || len(cli.targets) != 0 {
		t.Fatalf("routed to wrong sender: telegram=%d cli=%d", len(tg.targets), len(cli.targets))
	}
}

func TestRegistry_UnknownChannelErrors(t *testing.T) {
	reg := NewRegistry()
	err := reg.Deliver(context.Background(), dispatch.Target{Channel: "pigeon"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered channel")
	}
}

func TestTelegramChatType(t *testing.T) {
	cases := []struct {
		chatType string
		want     string
	}{
		{"private", "direct"},
		{"group", "group"},
		{"supergroup", "group"},
		{"channel", "channel"},
	}
	for _, tc := range cases {
		got := telegramChatType(&tgbotapi.Chat{Type: tc.chatType})
		if got != tc.want {
			t.Errorf("telegramChatType(%q) = %q, want %q", tc.chatType, got, tc.want)
		}
	}
	if got := telegramChatType(nil); got != "direct" {
		t.Errorf("nil chat = %q, want direct", got)
	}
}

func TestTelegramThreadID(t *testing.T) {
	group := &tgbotapi.Chat{Type: "supergroup"}

	msg := &tgbotapi.Message{Chat: group, ReplyToMessage: &tgbotapi.Message{MessageID: 77}}
	if got := telegramThreadID(msg); got != "77" {
		t.Fatalf("thread id = %q, want 77", got)
	}

	// Top-level group messages and direct chats never carry a thread marker.
	if got := telegramThreadID(&tgbotapi.Message{Chat: group}); got != "" {
		t.Fatalf("top-level message got thread id %q", got)
	}
	dm := &tgbotapi.Message{
		Chat:           &tgbotapi.Chat{Type: "private"},
		ReplyToMessage: &tgbotapi.Message{MessageID: 5},
	}
	if got := telegramThreadID(dm); got != "" {
		t.Fatalf("direct chat got thread id %q", got)
	}
}
