package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/meowth/internal/agent"
	"github.com/haasonsaas/meowth/internal/backoff"
	slackchannel "github.com/haasonsaas/meowth/internal/channels/slack"
	"github.com/haasonsaas/meowth/internal/fallback"
	"github.com/haasonsaas/meowth/internal/sessions"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
	"github.com/haasonsaas/meowth/internal/tools/slackmsg"
)

type providerFunc func(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error)

func (f providerFunc) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	return f(ctx, req)
}

func (providerFunc) Name() string { return "fake" }

func answer(text string) providerFunc {
	return func(context.Context, *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		return &agent.CompletionResponse{Text: text}, nil
	}
}

type transportFunc func(ctx context.Context, channelID, threadTS string, limit int) ([]threadctx.RawMessage, error)

func (f transportFunc) FetchThread(ctx context.Context, channelID, threadTS string, limit int) ([]threadctx.RawMessage, error) {
	return f(ctx, channelID, threadTS, limit)
}

type post struct {
	channel, thread, text string
	ctxErr                error
}

type fakePoster struct {
	mu    sync.Mutex
	posts []post
	err   error
}

func (p *fakePoster) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, post{channel: channelID, thread: threadTS, text: text, ctxErr: ctx.Err()})
	if p.err != nil {
		return "", p.err
	}
	return "999.0", nil
}

func (p *fakePoster) all() []post {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]post(nil), p.posts...)
}

func recent(offset int64, user, text string) threadctx.RawMessage {
	return threadctx.RawMessage{TS: fmt.Sprintf("%d.000100", time.Now().Unix()-offset), User: user, Text: text}
}

func history(msgs ...threadctx.RawMessage) transportFunc {
	return func(context.Context, string, string, int) ([]threadctx.RawMessage, error) {
		return msgs, nil
	}
}

func fastPolicy() *fallback.Policy {
	return fallback.New(fallback.Config{
		MaxAttempts: 3,
		Backoff:     backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	})
}

type harness struct {
	bot     *Bot
	tracker *sessions.Tracker
	poster  *fakePoster
}

func newHarness(t *testing.T, cfg Config, transport threadctx.Transport, provider agent.LLMProvider, mutate ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		tracker: sessions.NewTracker(sessions.DefaultConfig()),
		poster:  &fakePoster{},
	}
	deps := Deps{
		Sessions: h.tracker,
		Context:  threadctx.NewAnalyzer(transport, threadctx.Config{}),
		Agent:    agent.New(provider, agent.DefaultConfig()),
		Poster:   h.poster,
		Policy:   fastPolicy(),
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	b, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.bot = b
	return h
}

func mention(channel, thread, text string) slackchannel.Mention {
	return slackchannel.Mention{ChannelID: channel, ThreadTS: thread, MessageTS: thread, UserID: "U1", Text: text}
}

func TestHandle_RepliesInThread(t *testing.T) {
	var system string
	provider := providerFunc(func(_ context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		system = req.System
		return &agent.CompletionResponse{Text: "  The deploy finished at noon.  "}, nil
	})
	h := newHarness(t, Config{}, history(recent(60, "U2", "deploy started"), recent(30, "U3", "deploy finished at noon")), provider)

	res := h.bot.Handle(context.Background(), mention("C1", "100.0", "when did the deploy finish?"))
	if res.Err != nil {
		t.Fatalf("Handle() err = %v", res.Err)
	}
	if !res.Delivered || res.Reply != "The deploy finished at noon." || res.Kind != "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(system, "deploy finished at noon") {
		t.Errorf("prompt lacks thread history:\n%s", system)
	}

	posts := h.poster.all()
	if len(posts) != 1 || posts[0].channel != "C1" || posts[0].thread != "100.0" {
		t.Fatalf("posts = %+v", posts)
	}
	if got := h.tracker.ActiveSessionsFor(threadctx.ThreadKey("C1", "100.0")); got != 0 {
		t.Errorf("active sessions after cycle = %d, want 0", got)
	}
	if stats := h.tracker.Stats(); stats.Completed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want one completed session", stats)
	}
}

func TestHandle_EmptyThreadAndEmptyAnswer(t *testing.T) {
	h := newHarness(t, Config{}, history(), answer("   "))
	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "hello"))
	if res.Reply != DefaultEmptyReply || res.Err != nil {
		t.Errorf("result = %+v, want the empty-reply text", res)
	}
}

// A transport that never answers: three attempts with backoff, then the
// context-fetch fallback is posted.
func TestHandle_FetchTimeoutFallsBack(t *testing.T) {
	var calls atomic.Int32
	transport := transportFunc(func(ctx context.Context, _, _ string, _ int) ([]threadctx.RawMessage, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var llmCalls atomic.Int32
	provider := providerFunc(func(context.Context, *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		llmCalls.Add(1)
		return &agent.CompletionResponse{Text: "unreachable"}, nil
	})
	h := newHarness(t, Config{FetchTimeout: 20 * time.Millisecond, CycleTimeout: 2 * time.Second}, transport, provider)

	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "summarize"))
	if got := calls.Load(); got != 3 {
		t.Errorf("fetch attempts = %d, want 3", got)
	}
	if llmCalls.Load() != 0 {
		t.Error("agent ran without a thread context")
	}
	if res.Kind != fallback.KindContextFetch || res.Reply != fallback.DefaultMessages[fallback.KindContextFetch] {
		t.Errorf("result = %+v", res)
	}
	var fe *threadctx.FetchError
	if !errors.As(res.Err, &fe) {
		t.Errorf("err = %v, want *threadctx.FetchError", res.Err)
	}
	if !res.Delivered {
		t.Error("fallback reply not delivered")
	}
	if stats := h.tracker.Stats(); stats.Failed != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v, want one failed session and none active", stats)
	}
}

func TestHandle_PermissionDeniedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	transport := transportFunc(func(context.Context, string, string, int) ([]threadctx.RawMessage, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: not_in_channel", threadctx.ErrPermissionDenied)
	})
	h := newHarness(t, Config{}, transport, answer("unused"))

	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "summarize"))
	if calls.Load() != 1 {
		t.Errorf("fetch attempts = %d, want 1", calls.Load())
	}
	if res.Kind != fallback.KindPermission {
		t.Errorf("kind = %s, want permission", res.Kind)
	}
}

func TestHandle_AgentTimeoutStillDelivers(t *testing.T) {
	provider := providerFunc(func(ctx context.Context, _ *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{CycleTimeout: 50 * time.Millisecond, FetchTimeout: 20 * time.Millisecond}, history(recent(10, "U2", "hi")), provider)

	start := time.Now()
	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "think hard"))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cycle took %v, want it bounded by the cycle timeout", elapsed)
	}
	if res.Kind != fallback.KindAgentTimeout {
		t.Errorf("kind = %s, want agent_timeout (err %v)", res.Kind, res.Err)
	}
	posts := h.poster.all()
	if len(posts) != 1 || posts[0].ctxErr != nil {
		t.Fatalf("posts = %+v, want one delivery on a live context", posts)
	}
	if posts[0].text != fallback.DefaultMessages[fallback.KindAgentTimeout] {
		t.Errorf("text = %q", posts[0].text)
	}
}

func TestHandle_BusyThreadUnderReject(t *testing.T) {
	for _, silent := range []bool{false, true} {
		t.Run(fmt.Sprintf("silent=%v", silent), func(t *testing.T) {
			tracker := sessions.NewTracker(sessions.Config{SameThreadPolicy: sessions.PolicyReject})
			h := newHarness(t, Config{SilentBusy: silent}, history(), answer("hi"), func(d *Deps) { d.Sessions = tracker })
			h.tracker = tracker

			first, err := tracker.Register(context.Background(), threadctx.ThreadKey("C1", "1.0"))
			if err != nil {
				t.Fatal(err)
			}
			defer tracker.Deregister(first.ID())

			res := h.bot.Handle(context.Background(), mention("C1", "1.0", "again"))
			if res.Kind != fallback.KindThreadBusy || !errors.Is(res.Err, sessions.ErrThreadBusy) {
				t.Errorf("result = %+v", res)
			}
			if res.Delivered == silent {
				t.Errorf("delivered = %v with silent=%v", res.Delivered, silent)
			}
			if got := tracker.ActiveSessionsFor(threadctx.ThreadKey("C1", "1.0")); got != 1 {
				t.Errorf("active = %d, want only the first session", got)
			}
		})
	}
}

func TestHandle_DeliveryFailure(t *testing.T) {
	h := newHarness(t, Config{}, history(), answer("hello"))
	h.poster.err = errors.New("slack down")

	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "hi"))
	if res.Delivered {
		t.Error("delivered = true after post error")
	}
	if stats := h.tracker.Stats(); stats.Failed != 1 || stats.Completed != 0 {
		t.Errorf("stats = %+v, want the undelivered session failed", stats)
	}
}

// Two mentions on different threads at once: each prompt carries only its
// own thread's history.
func TestHandle_ConcurrentThreadsAreIsolated(t *testing.T) {
	transport := transportFunc(func(_ context.Context, channelID, _ string, _ int) ([]threadctx.RawMessage, error) {
		switch channelID {
		case "CA":
			return []threadctx.RawMessage{recent(30, "U1", "alpha launch checklist")}, nil
		case "CB":
			return []threadctx.RawMessage{recent(30, "U2", "bravo incident review")}, nil
		}
		return nil, errors.New("unknown channel")
	})

	var mu sync.Mutex
	prompts := map[string]string{}
	var arrived sync.WaitGroup
	arrived.Add(2)
	provider := providerFunc(func(_ context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		// Hold both cycles inside the agent at the same time.
		arrived.Done()
		arrived.Wait()
		mu.Lock()
		prompts[req.Messages[0].Content] = req.System
		mu.Unlock()
		return &agent.CompletionResponse{Text: "ok"}, nil
	})
	h := newHarness(t, Config{}, transport, provider)

	var wg sync.WaitGroup
	for _, m := range []slackchannel.Mention{mention("CA", "1.1", "summarize alpha"), mention("CB", "2.2", "summarize bravo")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := h.bot.Handle(context.Background(), m); res.Err != nil {
				t.Errorf("Handle(%s) err = %v", m.ChannelID, res.Err)
			}
		}()
	}
	wg.Wait()

	if a := prompts["summarize alpha"]; !strings.Contains(a, "alpha") || strings.Contains(a, "bravo") {
		t.Errorf("alpha prompt:\n%s", a)
	}
	if b := prompts["summarize bravo"]; !strings.Contains(b, "bravo") || strings.Contains(b, "alpha") {
		t.Errorf("bravo prompt:\n%s", b)
	}
}

// The LLM asks for 500 messages, is told the schema caps at 100, corrects
// itself and the tool runs once.
func TestHandle_ToolValidationReprompt(t *testing.T) {
	var fetched atomic.Int32
	fetcher := &fakeFetcher{fn: func(limit int) []threadctx.RawMessage {
		fetched.Add(1)
		return []threadctx.RawMessage{recent(5, "U2", "standup moved to 10am")}
	}}
	factories := tools.Factories{}
	slackmsg.Register(factories)
	registry := tools.NewRegistry(factories, tools.Dependencies{Messages: fetcher})
	if err := registry.Load(tools.Config{Categories: map[string]tools.CategoryConfig{
		"slack": {Tools: map[string]tools.ToolConfig{"fetch_messages": {}}},
	}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var round atomic.Int32
	var feedback string
	provider := providerFunc(func(_ context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
		switch round.Add(1) {
		case 1:
			return toolCall(`{"channel_id":"C1","limit":500}`), nil
		case 2:
			feedback = req.Messages[len(req.Messages)-1].Content
			return toolCall(`{"channel_id":"C1","limit":100}`), nil
		default:
			return &agent.CompletionResponse{Text: "Standup moved to 10am."}, nil
		}
	})
	h := newHarness(t, Config{}, history(), provider, func(d *Deps) { d.Tools = registry })

	res := h.bot.Handle(context.Background(), mention("C1", "1.0", "what changed?"))
	if res.Err != nil || res.Reply != "Standup moved to 10am." {
		t.Fatalf("result = %+v", res)
	}
	if fetched.Load() != 1 {
		t.Errorf("tool invocations = %d, want 1", fetched.Load())
	}
	if !strings.Contains(feedback, "invalid_input") || !strings.Contains(feedback, "limit") {
		t.Errorf("re-prompt feedback = %q", feedback)
	}
}

func toolCall(args string) *agent.CompletionResponse {
	return &agent.CompletionResponse{ToolCalls: []agent.ToolCall{{
		Name:      "slack_fetch_messages",
		Arguments: json.RawMessage(args),
	}}}
}

type fakeFetcher struct {
	fn func(limit int) []threadctx.RawMessage
}

func (f *fakeFetcher) FetchChannel(_ context.Context, _ string, limit int) ([]threadctx.RawMessage, error) {
	return f.fn(limit), nil
}

func (f *fakeFetcher) FetchThread(_ context.Context, _, _ string, limit int) ([]threadctx.RawMessage, error) {
	return f.fn(limit), nil
}

func TestFormatReply(t *testing.T) {
	long := strings.Repeat("a", 2500)
	tests := []struct {
		name, in, want string
	}{
		{"trimmed", "  hi  ", "hi"},
		{"empty", " \n ", DefaultEmptyReply},
		{"capped", long, strings.Repeat("a", 1997) + "..."},
		{"exact", strings.Repeat("b", 2000), strings.Repeat("b", 2000)},
		{"multibyte", strings.Repeat("é", 2001), strings.Repeat("é", 1997) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatReply(tt.in, 2000, DefaultEmptyReply)
			if got != tt.want {
				t.Errorf("FormatReply() = %q (len %d), want len %d", got[:min(len(got), 20)], len(got), len(tt.want))
			}
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("New with no deps should fail")
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.FetchTimeout = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("fetch timeout longer than the cycle should be rejected")
	}
}
