package tools

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
)

type countingHandler struct {
	calls atomic.Int32
	last  atomic.Value
	fn    func(ctx context.Context, params json.RawMessage) (string, error)
}

func (h *countingHandler) Execute(ctx context.Context, params json.RawMessage) (string, error) {
	h.calls.Add(1)
	h.last.Store(string(params))
	if h.fn != nil {
		return h.fn(ctx, params)
	}
	return "ok", nil
}

func fetchFactory(h *countingHandler) Factory {
	return Factory{
		Description: "Fetch recent messages from a channel",
		Idempotent:  true,
		Parameters: Parameters{
			"channel_id": {Type: "string", Required: true, MinLength: Int(1)},
			"limit":      {Type: "integer", Default: 10, Minimum: Float(1), Maximum: Float(100)},
		},
		New: func(Spec, Dependencies) (Handler, error) { return h, nil },
	}
}

func singleToolConfig() Config {
	return Config{Categories: map[string]CategoryConfig{
		"slack": {Tools: map[string]ToolConfig{"fetch_messages": {}}},
	}}
}

func loadedRegistry(t *testing.T, h *countingHandler) *Registry {
	t.Helper()
	reg := NewRegistry(Factories{"slack.fetch_messages": fetchFactory(h)}, Dependencies{})
	if err := reg.Load(singleToolConfig()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return reg
}

func TestBuild_QualifiedNames(t *testing.T) {
	reg := loadedRegistry(t, &countingHandler{})
	snap := reg.Snapshot()

	tool, err := snap.Lookup("slack_fetch_messages")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if tool.Category() != "slack" || !tool.Idempotent() {
		t.Errorf("tool = %+v", tool.spec)
	}
	if tool.Timeout() != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", tool.Timeout(), DefaultTimeout)
	}
	if snap.Version() != 1 {
		t.Errorf("version = %d, want 1", snap.Version())
	}
	var schema map[string]any
	if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema type = %v", schema["type"])
	}
}

func TestInvoke_RejectsWithoutCallingHandler(t *testing.T) {
	tests := []struct {
		name   string
		params string
		want   string
	}{
		{"string for integer", `{"channel_id":"C1","limit":"ten"}`, "/limit"},
		{"above maximum", `{"channel_id":"C1","limit":500}`, "/limit"},
		{"missing required", `{"limit":5}`, "channel_id"},
		{"unknown parameter", `{"channel_id":"C1","verbose":true}`, "verbose"},
		{"not an object", `[1,2]`, "object"},
		{"not json", `{"channel_id":`, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &countingHandler{}
			tool, _ := loadedRegistry(t, h).Snapshot().Lookup("slack_fetch_messages")

			res := tool.Invoke(context.Background(), "call-1", json.RawMessage(tt.params))
			if res.Status != StatusError {
				t.Fatalf("status = %s, want error", res.Status)
			}
			var verr *InputValidationError
			if !errors.As(res.Err, &verr) {
				t.Fatalf("err = %T %v, want *InputValidationError", res.Err, res.Err)
			}
			if !strings.Contains(verr.Hint(), tt.want) {
				t.Errorf("hint %q does not mention %q", verr.Hint(), tt.want)
			}
			if h.calls.Load() != 0 {
				t.Error("handler ran for invalid parameters")
			}
			if res.Output != "" {
				t.Error("failed result carries output")
			}
		})
	}
}

func TestInvoke_AppliesDefaults(t *testing.T) {
	h := &countingHandler{}
	tool, _ := loadedRegistry(t, h).Snapshot().Lookup("slack_fetch_messages")

	res := tool.Invoke(context.Background(), "call-1", json.RawMessage(`{"channel_id":"C1"}`))
	if !res.OK() || res.Output != "ok" || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	var got map[string]any
	_ = json.Unmarshal([]byte(h.last.Load().(string)), &got)
	if got["limit"] != float64(10) {
		t.Errorf("limit = %v, want default 10", got["limit"])
	}
	if res.CallID != "call-1" || res.ID == "" || res.Tool != "slack_fetch_messages" {
		t.Errorf("result identity = %+v", res)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	h := &countingHandler{fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	reg := NewRegistry(Factories{"slack.fetch_messages": fetchFactory(h)}, Dependencies{})
	cfg := singleToolConfig()
	cfg.Categories["slack"].Tools["fetch_messages"] = ToolConfig{Timeout: 20 * time.Millisecond}
	if err := reg.Load(cfg); err != nil {
		t.Fatal(err)
	}
	tool, _ := reg.Snapshot().Lookup("slack_fetch_messages")

	res := tool.Invoke(context.Background(), "c", json.RawMessage(`{"channel_id":"C1"}`))
	if res.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	var eerr *ExecutionError
	if !errors.As(res.Err, &eerr) || eerr.Kind != KindTimeout || !eerr.Retryable() {
		t.Errorf("err = %v, want retryable timeout", res.Err)
	}
}

func TestInvoke_CancelledByCaller(t *testing.T) {
	h := &countingHandler{fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	tool, _ := loadedRegistry(t, h).Snapshot().Lookup("slack_fetch_messages")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	res := tool.Invoke(ctx, "c", json.RawMessage(`{"channel_id":"C1"}`))
	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
}

func TestInvoke_PanicBecomesExecutionError(t *testing.T) {
	h := &countingHandler{fn: func(context.Context, json.RawMessage) (string, error) {
		panic("boom")
	}}
	tool, _ := loadedRegistry(t, h).Snapshot().Lookup("slack_fetch_messages")

	res := tool.Invoke(context.Background(), "c", json.RawMessage(`{"channel_id":"C1"}`))
	var eerr *ExecutionError
	if !errors.As(res.Err, &eerr) || eerr.Kind != KindPanic {
		t.Fatalf("err = %v, want panic execution error", res.Err)
	}
	if eerr.Retryable() {
		t.Error("panics must not be retried")
	}
}

func TestBuild_ConfigurationErrors(t *testing.T) {
	h := &countingHandler{}
	needsMessages := fetchFactory(h)
	needsMessages.Requires = []string{DepMessages}

	tests := []struct {
		name      string
		cfg       Config
		factories Factories
		deps      Dependencies
		want      string
	}{
		{
			name: "name collision",
			cfg: Config{Categories: map[string]CategoryConfig{
				"slack":       {Tools: map[string]ToolConfig{"fetch_messages": {}}},
				"slack_fetch": {Tools: map[string]ToolConfig{"messages": {Factory: "slack.fetch_messages"}}},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			want:      "collision",
		},
		{
			name: "malformed raw schema",
			cfg: Config{Categories: map[string]CategoryConfig{
				"slack": {Tools: map[string]ToolConfig{"fetch_messages": {
					Schema: `{"type":"object","properties":{"limit":{"type":"integr"}}}`,
				}}},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			want:      "malformed schema",
		},
		{
			name: "unsupported parameter type",
			cfg: Config{Categories: map[string]CategoryConfig{
				"slack": {Tools: map[string]ToolConfig{"fetch_messages": {
					Parameters: Parameters{"limit": {Type: "int"}},
				}}},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			want:      "malformed schema",
		},
		{
			name:      "unknown factory",
			cfg:       singleToolConfig(),
			factories: Factories{},
			want:      "unknown factory",
		},
		{
			name:      "missing dependency",
			cfg:       singleToolConfig(),
			factories: Factories{"slack.fetch_messages": needsMessages},
			want:      "missing dependency",
		},
		{
			name: "missing scope",
			cfg: Config{Categories: map[string]CategoryConfig{
				"slack": {
					RequiredScopes: []string{"channels:history", "groups:history"},
					Tools:          map[string]ToolConfig{"fetch_messages": {}},
				},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			deps:      Dependencies{GrantedScopes: []string{"channels:history"}},
			want:      "groups:history",
		},
		{
			name: "scopes required but unknown",
			cfg: Config{Categories: map[string]CategoryConfig{
				"slack": {
					RequiredScopes: []string{"channels:history", "admin"},
					Tools:          map[string]ToolConfig{"fetch_messages": {}},
				},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			want:      "granted scopes are unknown",
		},
		{
			name: "invalid category name",
			cfg: Config{Categories: map[string]CategoryConfig{
				"Slack Tools": {Tools: map[string]ToolConfig{"fetch_messages": {}}},
			}},
			factories: Factories{"slack.fetch_messages": fetchFactory(h)},
			want:      "invalid category name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg, tt.factories, tt.deps, 1, nil)
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("Build() error = %v, want *ConfigurationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestBuild_DisabledSkipsDependencyChecks(t *testing.T) {
	f := fetchFactory(&countingHandler{})
	f.Requires = []string{DepLLM}
	cfg := Config{Categories: map[string]CategoryConfig{
		"slack": {Enabled: Bool(false), Tools: map[string]ToolConfig{"fetch_messages": {}}},
	}}
	snap, err := Build(cfg, Factories{"slack.fetch_messages": f}, Dependencies{}, 1, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(snap.All()) != 1 || len(snap.Available()) != 0 {
		t.Errorf("all = %d available = %d, want 1 and 0", len(snap.All()), len(snap.Available()))
	}
}

func TestSnapshot_LookupDisabledIsNotFound(t *testing.T) {
	h := &countingHandler{}
	factories := Factories{
		"slack.fetch_messages": fetchFactory(h),
		"slack.search":         fetchFactory(h),
	}
	cfg := Config{Categories: map[string]CategoryConfig{
		"slack": {Tools: map[string]ToolConfig{
			"fetch_messages": {},
			"search":         {Enabled: Bool(false)},
		}},
	}}
	snap, err := Build(cfg, factories, Dependencies{}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"slack_search", "weather_lookup"} {
		_, err := snap.Lookup(name)
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("Lookup(%s) error = %v, want *NotFoundError", name, err)
		}
		if len(nf.Available) != 1 || nf.Available[0] != "slack_fetch_messages" {
			t.Errorf("available = %v", nf.Available)
		}
	}
}

func TestRegistry_FailedReloadKeepsSnapshot(t *testing.T) {
	reg := loadedRegistry(t, &countingHandler{})
	before := reg.Snapshot()

	bad := Config{Categories: map[string]CategoryConfig{
		"slack": {Tools: map[string]ToolConfig{"fetch_messages": {Factory: "slack.nope"}}},
	}}
	if err := reg.Reload(bad); err == nil {
		t.Fatal("Reload() should fail")
	}
	if reg.Snapshot() != before {
		t.Error("failed reload replaced the snapshot")
	}

	if err := reg.Reload(singleToolConfig()); err != nil {
		t.Fatal(err)
	}
	if got := reg.Snapshot().Version(); got != 2 {
		t.Errorf("version after good reload = %d, want 2", got)
	}
}

// Readers racing reloads must always observe a snapshot built entirely from
// one configuration generation.
func TestRegistry_ReloadSnapshotsAreConsistent(t *testing.T) {
	factory := func(Spec, Dependencies) (Handler, error) {
		return HandlerFunc(func(context.Context, json.RawMessage) (string, error) { return "", nil }), nil
	}
	factories := Factories{}
	for _, short := range []string{"alpha", "beta", "gamma", "delta"} {
		factories["ops."+short] = Factory{Description: "tool", New: factory}
	}
	generation := func(n int) Config {
		tools := map[string]ToolConfig{}
		for _, short := range []string{"alpha", "beta", "gamma", "delta"} {
			tools[short] = ToolConfig{Description: fmt.Sprintf("gen-%d", n)}
		}
		return Config{Categories: map[string]CategoryConfig{"ops": {Tools: tools}}}
	}

	reg := NewRegistry(factories, Dependencies{})
	if err := reg.Load(generation(0)); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var torn atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := reg.Snapshot()
				tools := snap.Available()
				if len(tools) != 4 {
					torn.Add(1)
					continue
				}
				for _, tool := range tools[1:] {
					if tool.Description() != tools[0].Description() {
						torn.Add(1)
					}
				}
			}
		}()
	}

	for n := 1; n <= 50; n++ {
		if err := reg.Reload(generation(n)); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	if torn.Load() != 0 {
		t.Errorf("%d reads observed a mixed snapshot", torn.Load())
	}
	if got := reg.Snapshot().Available()[0].Description(); got != "gen-50" {
		t.Errorf("final description = %q, want gen-50", got)
	}
}

func TestQualifiedName(t *testing.T) {
	if got := QualifiedName("Slack", "fetch-messages"); got != "slack_fetch_messages" {
		t.Errorf("QualifiedName = %q", got)
	}
	long := QualifiedName(strings.Repeat("c", 40), strings.Repeat("t", 40))
	if len(long) != MaxNameLength || !ValidName(long) {
		t.Errorf("long name %q (%d chars) should be truncated to a valid name", long, len(long))
	}
}
