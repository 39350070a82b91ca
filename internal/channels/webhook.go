package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/dispatch"
)

// inboundSchema validates webhook payloads before they reach the pipeline.
const inboundSchema = `{
	"type": "object",
	"required": ["sender_id", "body"],
	"properties": {
		"agent_id":   {"type": "string"},
		"sender_id":  {"type": "string", "minLength": 1},
		"chat_type":  {"type": "string", "enum": ["direct", "group", "channel"]},
		"group_id":   {"type": "string"},
		"thread_id":  {"type": "string"},
		"session":    {"type": "string"},
		"body":       {"type": "string", "minLength": 1},
		"authorized": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// maxWebhookBody bounds the inbound request size.
const maxWebhookBody = 1 << 20

// WebhookConfig configures the HTTP inbound channel.
type WebhookConfig struct {
	Addr    string
	Token   string // bearer token; empty disables auth
	AgentID string
	// WaitTimeout caps how long ?wait=true requests block on the run.
	WaitTimeout time.Duration
}

// WebhookChannel accepts inbound messages over HTTP POST. With ?wait=true
// the response blocks until the run reaches a terminal state and carries the
// agent's output; otherwise it returns the receipt immediately.
type WebhookChannel struct {
	cfg     WebhookConfig
	inbound Inbound
	events  *bus.Bus
	logger  *slog.Logger
	schema  *jsonschema.Schema
	server  *http.Server
}

type webhookRequest struct {
	AgentID    string `json:"agent_id"`
	SenderID   string `json:"sender_id"`
	ChatType   string `json:"chat_type"`
	GroupID    string `json:"group_id"`
	ThreadID   string `json:"thread_id"`
	Session    string `json:"session"`
	Body       string `json:"body"`
	Authorized *bool  `json:"authorized"`
}

type webhookResponse struct {
	SessionKey string `json:"session_key"`
	RunID      string `json:"run_id,omitempty"`
	Started    bool   `json:"started"`
	Queued     bool   `json:"queued,omitempty"`
	Steered    bool   `json:"steered,omitempty"`
	Dropped    bool   `json:"dropped,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Output     string `json:"output,omitempty"`
	Aborted    bool   `json:"aborted,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewWebhookChannel compiles the payload schema and prepares the server.
func NewWebhookChannel(cfg WebhookConfig, inbound Inbound, events *bus.Bus, logger *slog.Logger) (*WebhookChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal inbound schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}

	return &WebhookChannel{cfg: cfg, inbound: inbound, events: events, logger: logger, schema: schema}, nil
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

// Handler exposes the mux for tests and embedding.
func (w *WebhookChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/inbound", w.handleInbound)
	return mux
}

func (w *WebhookChannel) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.cfg.Addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.ListenAndServe()
	}()
	w.logger.Info("webhook channel listening", "addr", w.cfg.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.server.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (w *WebhookChannel) handleInbound(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !w.authorize(r) {
		writeJSONError(rw, http.StatusUnauthorized, "invalid or missing bearer token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	// Validate against the schema before decoding into the struct, so a
	// malformed payload gets a precise error instead of zero values.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := w.schema.Validate(doc); err != nil {
		writeJSONError(rw, http.StatusBadRequest, "payload validation failed: "+err.Error())
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(rw, http.StatusBadRequest, "decode: "+err.Error())
		return
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = w.cfg.AgentID
	}
	chatType := req.ChatType
	if chatType == "" {
		chatType = "direct"
	}
	authorized := true
	if req.Authorized != nil {
		authorized = *req.Authorized
	}

	wait := r.URL.Query().Get("wait") == "true"

	// Subscribe before submitting so a fast run cannot finish unobserved.
	var sub *bus.Subscription
	if wait && w.events != nil {
		sub = w.events.Subscribe(bus.TopicRunPrefix)
		defer w.events.Unsubscribe(sub)
	}

	receipt, err := w.inbound.Handle(r.Context(), dispatch.InboundMessage{
		AgentID:         agentID,
		Channel:         w.Name(),
		SenderID:        req.SenderID,
		ChatType:        chatType,
		GroupID:         req.GroupID,
		ThreadID:        req.ThreadID,
		SessionOverride: req.Session,
		Body:            req.Body,
		Authorized:      authorized,
	})
	if err != nil {
		w.logger.Error("webhook message handling failed", "error", err)
		writeJSONError(rw, http.StatusInternalServerError, "message handling failed")
		return
	}

	resp := webhookResponse{
		SessionKey: string(receipt.Key),
		RunID:      receipt.RunID,
		Started:    receipt.Started,
		Queued:     receipt.Queued,
		Steered:    receipt.Steered,
		Dropped:    receipt.Dropped,
		Reply:      receipt.Reply,
	}
	if sub != nil && receipt.RunID != "" {
		w.awaitRun(r.Context(), sub, receipt.RunID, &resp)
	}

	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

// awaitRun collects streamed output until the run's terminal event, the wait
// timeout, or client disconnect.
func (w *WebhookChannel) awaitRun(ctx context.Context, sub *bus.Subscription, runID string, resp *webhookResponse) {
	timer := time.NewTimer(w.cfg.WaitTimeout)
	defer timer.Stop()

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			resp.Error = "timed out waiting for the run"
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.RunOutputEvent:
				if p.RunID == runID && p.Stream == "text" {
					out.WriteString(p.Data)
				}
			case bus.RunEndEvent:
				if p.RunID != runID {
					continue
				}
				resp.Output = out.String()
				resp.Aborted = p.Aborted
				return
			case bus.RunErrorEvent:
				if p.RunID != runID {
					continue
				}
				resp.Output = out.String()
				resp.Error = "the run failed"
				return
			}
		}
	}
}

func (w *WebhookChannel) authorize(r *http.Request) bool {
	if w.cfg.Token == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	got, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(w.cfg.Token)) == 1
}

// Deliver is a no-op: webhook callers receive output synchronously via
// ?wait=true, there is no push path back to them. Satisfies Sender so
// announce-back routing to a webhook-last session does not error.
func (w *WebhookChannel) Deliver(ctx context.Context, t dispatch.Target, payloads []agent.Payload) error {
	w.logger.Debug("dropping webhook delivery, no push path", "to", t.To, "payloads", len(payloads))
	return nil
}

func writeJSONError(rw http.ResponseWriter, code int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}
