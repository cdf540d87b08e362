package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"valid config", Config{BotToken: "xoxb-test", AppToken: "xapp-test"}, ""},
		{"missing bot token", Config{AppToken: "xapp-test"}, "bot_token is required"},
		{"wrong bot prefix", Config{BotToken: "xoxp-test", AppToken: "xapp-test"}, "must start with xoxb-"},
		{"missing app token", Config{BotToken: "xoxb-test"}, "app_token is required"},
		{"wrong app prefix", Config{BotToken: "xoxb-test", AppToken: "xoxb-test"}, "must start with xapp-"},
		{"page size too large", Config{BotToken: "xoxb-test", AppToken: "xapp-test", PageSize: 5000}, "page_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Fetch Tests
// =============================================================================

func msg(ts, user, text string) slack.Message {
	return slack.Message{Msg: slack.Msg{Timestamp: ts, User: user, Text: text}}
}

func TestClient_FetchThreadPaginates(t *testing.T) {
	var cursors []string
	mock := &MockSlackClient{
		GetConversationRepliesContextFunc: func(_ context.Context, p *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			cursors = append(cursors, p.Cursor)
			if p.ChannelID != "C1" || p.Timestamp != "100.0" {
				t.Errorf("params = %+v", p)
			}
			switch p.Cursor {
			case "":
				return []slack.Message{msg("100.0", "U1", "root"), msg("101.0", "U2", "one")}, true, "page2", nil
			case "page2":
				return []slack.Message{msg("102.0", "U1", "two"), msg("103.0", "U2", "three")}, false, "", nil
			}
			return nil, false, "", fmt.Errorf("unexpected cursor %q", p.Cursor)
		},
	}
	client := NewClient(mock)

	got, err := client.FetchThread(context.Background(), "C1", "100.0", 3)
	if err != nil {
		t.Fatalf("FetchThread() error = %v", err)
	}
	if len(cursors) != 2 {
		t.Errorf("pages fetched = %d, want 2", len(cursors))
	}
	var texts []string
	for _, m := range got {
		texts = append(texts, m.Text)
	}
	if strings.Join(texts, ",") != "one,two,three" {
		t.Errorf("messages = %v, want the newest three oldest first", texts)
	}
}

func TestClient_FetchChannelOrdersOldestFirst(t *testing.T) {
	mock := &MockSlackClient{
		GetConversationHistoryContextFunc: func(_ context.Context, p *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			if p.Limit != 2 {
				t.Errorf("limit = %d, want 2", p.Limit)
			}
			return &slack.GetConversationHistoryResponse{
				HasMore:  true,
				Messages: []slack.Message{msg("3.0", "U1", "newest"), msg("2.0", "U1", "middle"), msg("1.0", "U1", "oldest")},
			}, nil
		},
	}
	got, err := NewClient(mock).FetchChannel(context.Background(), "C1", 2)
	if err != nil {
		t.Fatalf("FetchChannel() error = %v", err)
	}
	if len(got) != 2 || got[0].Text != "middle" || got[1].Text != "newest" {
		t.Errorf("messages = %+v", got)
	}
}

func TestClient_ConvertsBotFields(t *testing.T) {
	mock := &MockSlackClient{
		GetConversationRepliesContextFunc: func(context.Context, *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			m := slack.Message{Msg: slack.Msg{
				Timestamp: "5.0", ThreadTimestamp: "1.0", BotID: "B1",
				Username: "ci", SubType: "bot_message", Text: "build passed",
			}}
			return []slack.Message{m}, false, "", nil
		},
	}
	got, err := NewClient(mock).FetchThread(context.Background(), "C1", "1.0", 10)
	if err != nil {
		t.Fatal(err)
	}
	want := threadctx.RawMessage{TS: "5.0", ThreadTS: "1.0", BotID: "B1", Username: "ci", Subtype: "bot_message", Text: "build passed"}
	if len(got) != 1 || got[0] != want {
		t.Errorf("converted = %+v, want %+v", got, want)
	}
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		throttled  bool
		permission bool
	}{
		{"rate limited", &slack.RateLimitedError{RetryAfter: 3 * time.Second}, true, false},
		{"ratelimited code", slack.SlackErrorResponse{Err: "ratelimited"}, true, false},
		{"http 429", slack.StatusCodeError{Code: 429, Status: "429 Too Many Requests"}, true, false},
		{"not in channel", slack.SlackErrorResponse{Err: "not_in_channel"}, false, true},
		{"invalid auth", slack.SlackErrorResponse{Err: "invalid_auth"}, false, true},
		{"bare code text", errors.New("channel_not_found"), false, true},
		{"server error", slack.StatusCodeError{Code: 503, Status: "503 Service Unavailable"}, false, false},
		{"network", errors.New("dial tcp: connection refused"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(KeyReplies, tt.err)
			if got := ratelimit.IsThrottled(err); got != tt.throttled {
				t.Errorf("throttled = %v, want %v (err %v)", got, tt.throttled, err)
			}
			if got := errors.Is(err, threadctx.ErrPermissionDenied); got != tt.permission {
				t.Errorf("permission = %v, want %v (err %v)", got, tt.permission, err)
			}
			if tt.permission {
				var perm *tools.PermissionError
				if !errors.As(err, &perm) {
					t.Errorf("permission error does not carry *tools.PermissionError: %v", err)
				}
			}
		})
	}
	if mapError(KeyReplies, nil) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestMapError_RetryAfterCarried(t *testing.T) {
	err := mapError(KeyHistory, &slack.RateLimitedError{RetryAfter: 7 * time.Second})
	var te *ratelimit.ThrottledError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want ThrottledError", err)
	}
	if te.RetryAfter != 7*time.Second || te.Key != KeyHistory {
		t.Errorf("throttled = %+v", te)
	}
}

func TestClient_ThrottleOpensCircuit(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.LimiterConfig{
		Default:         ratelimit.Config{RequestsPerMinute: 6000, BurstSize: 10},
		CircuitCooldown: time.Minute,
	})
	mock := &MockSlackClient{
		GetConversationRepliesContextFunc: func(context.Context, *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			return nil, false, "", &slack.RateLimitedError{RetryAfter: time.Second}
		},
	}
	client := NewClient(mock, WithLimiter(limiter))

	_, err := client.FetchThread(context.Background(), "C1", "1.0", 10)
	if !ratelimit.IsThrottled(err) {
		t.Fatalf("FetchThread() error = %v, want throttled", err)
	}
	if got := limiter.GetStatus(KeyReplies).Circuit; got != ratelimit.CircuitOpen {
		t.Errorf("circuit = %s, want open", got)
	}
	if got := limiter.GetStatus(KeyHistory).Circuit; got != ratelimit.CircuitClosed {
		t.Errorf("history circuit = %s, want closed", got)
	}
}

func TestClient_PermissionDeniedFetch(t *testing.T) {
	mock := &MockSlackClient{
		GetConversationHistoryContextFunc: func(context.Context, *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			return nil, slack.SlackErrorResponse{Err: "not_in_channel"}
		},
	}
	_, err := NewClient(mock).FetchChannel(context.Background(), "C1", 10)
	if !errors.Is(err, threadctx.ErrPermissionDenied) {
		t.Errorf("FetchChannel() error = %v, want permission denied", err)
	}
}

// =============================================================================
// Posting Tests
// =============================================================================

func TestClient_PostMessage(t *testing.T) {
	var gotChannel string
	var gotOptions int
	mock := &MockSlackClient{
		PostMessageContextFunc: func(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
			gotChannel = channelID
			gotOptions = len(options)
			return channelID, "200.5", nil
		},
	}
	ts, err := NewClient(mock).PostMessage(context.Background(), "C9", "100.0", "hello")
	if err != nil {
		t.Fatalf("PostMessage() error = %v", err)
	}
	if ts != "200.5" || gotChannel != "C9" {
		t.Errorf("ts = %q channel = %q", ts, gotChannel)
	}
	if gotOptions != 2 {
		t.Errorf("options = %d, want text and thread", gotOptions)
	}
}

func TestClient_PostMessageError(t *testing.T) {
	mock := &MockSlackClient{
		PostMessageContextFunc: func(context.Context, string, ...slack.MsgOption) (string, string, error) {
			return "", "", slack.SlackErrorResponse{Err: "channel_not_found"}
		},
	}
	_, err := NewClient(mock).PostMessage(context.Background(), "C9", "", "hello")
	if !errors.Is(err, threadctx.ErrPermissionDenied) {
		t.Errorf("PostMessage() error = %v, want permission denied", err)
	}
}

func TestClient_BotUserID(t *testing.T) {
	id, err := NewClient(&MockSlackClient{}).BotUserID(context.Background())
	if err != nil || id != "U12345" {
		t.Errorf("BotUserID() = %q, %v", id, err)
	}

	failing := &MockSlackClient{
		AuthTestContextFunc: func(context.Context) (*slack.AuthTestResponse, error) {
			return nil, slack.SlackErrorResponse{Err: "invalid_auth"}
		},
	}
	if _, err := NewClient(failing).BotUserID(context.Background()); !errors.Is(err, threadctx.ErrPermissionDenied) {
		t.Errorf("BotUserID() error = %v, want permission denied", err)
	}
}
