// Package slackmsg provides the Slack message history tool.
package slackmsg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// FactoryKey registers the tool under the "slack" category.
const FactoryKey = "slack.fetch_messages"

// MaxLimit is the largest page the tool will request.
const MaxLimit = 100

// Register adds the tool's factory to f.
func Register(f tools.Factories) {
	f[FactoryKey] = Factory()
}

// Factory builds slack_fetch_messages. Settings:
//
//	max_message_length  per-message character cap (default 2000)
func Factory() tools.Factory {
	return tools.Factory{
		Description: "Fetch recent messages from a Slack channel, or the replies of one thread " +
			"when thread_ts is given. Use this when the user asks what was said somewhere " +
			"that is not in the current thread history. Returns JSON.",
		Idempotent: true,
		Requires:   []string{tools.DepMessages},
		Parameters: tools.Parameters{
			"channel_id": {
				Type:        "string",
				Description: "Slack channel ID, e.g. C0123456789",
				Required:    true,
				MinLength:   tools.Int(1),
				Pattern:     "^[CGD][A-Z0-9]+$",
			},
			"thread_ts": {
				Type:        "string",
				Description: "Timestamp of the thread's parent message; omit for channel history",
				Pattern:     `^[0-9]+\.[0-9]+$`,
			},
			"limit": {
				Type:        "integer",
				Description: "Number of messages to fetch (1-100)",
				Default:     10,
				Minimum:     tools.Float(1),
				Maximum:     tools.Float(MaxLimit),
			},
		},
		New: newHandler,
	}
}

type handler struct {
	fetcher   tools.MessageFetcher
	sanitizer *threadctx.Sanitizer
	now       func() time.Time
}

func newHandler(spec tools.Spec, deps tools.Dependencies) (tools.Handler, error) {
	maxLen := 2000
	if v, ok := spec.Settings["max_message_length"]; ok {
		n, err := intSetting(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("settings.max_message_length: want a positive integer, got %v", v)
		}
		maxLen = n
	}
	return &handler{
		fetcher:   deps.Messages,
		sanitizer: threadctx.NewSanitizer(maxLen),
		now:       time.Now,
	}, nil
}

type input struct {
	ChannelID string `json:"channel_id"`
	ThreadTS  string `json:"thread_ts"`
	Limit     int    `json:"limit"`
}

// Message is one entry of the tool's output.
type Message struct {
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	Bot      bool   `json:"bot,omitempty"`
}

// Output is the JSON document the tool returns.
type Output struct {
	Channel      string    `json:"channel"`
	ThreadTS     string    `json:"thread_ts,omitempty"`
	TotalFetched int       `json:"total_fetched"`
	FetchedAt    time.Time `json:"fetched_at"`
	Messages     []Message `json:"messages"`
}

func (h *handler) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	var in input
	if err := json.Unmarshal(params, &in); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	in.Limit = min(max(in.Limit, 1), MaxLimit)

	var (
		raw []threadctx.RawMessage
		err error
	)
	if in.ThreadTS != "" {
		raw, err = h.fetcher.FetchThread(ctx, in.ChannelID, in.ThreadTS, in.Limit)
	} else {
		raw, err = h.fetcher.FetchChannel(ctx, in.ChannelID, in.Limit)
	}
	if err != nil {
		return "", err
	}
	if len(raw) > in.Limit {
		raw = raw[len(raw)-in.Limit:]
	}

	out := Output{
		Channel:   in.ChannelID,
		ThreadTS:  in.ThreadTS,
		FetchedAt: h.now().UTC(),
		Messages:  make([]Message, 0, len(raw)),
	}
	for _, m := range raw {
		text := h.sanitizer.Sanitize(m.Text)
		if text == "" {
			continue
		}
		user := m.User
		if user == "" {
			user = strings.TrimSpace(m.Username)
		}
		if user == "" {
			user = "unknown"
		}
		out.Messages = append(out.Messages, Message{
			User:     user,
			Text:     text,
			TS:       m.TS,
			ThreadTS: m.ThreadTS,
			Bot:      m.BotID != "" || m.Subtype == "bot_message",
		})
	}
	out.TotalFetched = len(out.Messages)

	payload, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func intSetting(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
