package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/meowth/internal/observability"
)

// dedupeWindow is how long a delivered mention is remembered so a
// redelivered event is not answered twice.
const dedupeWindow = 10 * time.Minute

// ignoredSubtypes are message subtypes that never trigger a reply.
var ignoredSubtypes = map[string]bool{
	"bot_message":     true,
	"message_changed": true,
	"message_deleted": true,
}

// Mention is an inbound event addressed to the bot.
type Mention struct {
	ChannelID string
	// ThreadTS is the thread root; a top-level mention starts a thread at
	// its own timestamp.
	ThreadTS   string
	MessageTS  string
	UserID     string
	Text       string // with the bot's mention removed
	RawText    string
	DirectMsg  bool
	ReceivedAt time.Time
}

// MentionHandler processes one mention. It is called on its own goroutine.
type MentionHandler interface {
	HandleMention(ctx context.Context, m Mention)
}

// MentionHandlerFunc adapts a function to MentionHandler.
type MentionHandlerFunc func(ctx context.Context, m Mention)

// HandleMention calls f.
func (f MentionHandlerFunc) HandleMention(ctx context.Context, m Mention) { f(ctx, m) }

// Status is the Socket Mode connection state.
type Status struct {
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	LastEvent time.Time `json:"last_event,omitempty"`
}

// Listener reads Socket Mode events, acknowledges them and dispatches
// mentions to the handler.
type Listener struct {
	socket    SocketModeClient
	handler   MentionHandler
	botUserID string
	mentionRe *regexp.Regexp
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	statusMu sync.RWMutex
	status   Status

	seenMu sync.Mutex
	seen   map[string]time.Time

	wg sync.WaitGroup
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the listener logger.
func WithListenerLogger(logger *observability.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// WithListenerMetrics sets the listener metrics sink.
func WithListenerMetrics(metrics *observability.Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = metrics }
}

// NewListener creates a listener for botUserID.
func NewListener(socket SocketModeClient, handler MentionHandler, botUserID string, opts ...ListenerOption) *Listener {
	l := &Listener{
		socket:    socket,
		handler:   handler,
		botUserID: botUserID,
		mentionRe: regexp.MustCompile(fmt.Sprintf(`<@%s(?:\|[^>]*)?>`, regexp.QuoteMeta(botUserID))),
		logger:    observability.NewNopLogger(),
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run connects and processes events until ctx is cancelled, then waits for
// in-flight handlers to return.
func (l *Listener) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		err := l.socket.RunContext(ctx)
		if err != nil && ctx.Err() == nil {
			l.updateStatus(false, fmt.Sprintf("socket mode error: %v", err))
			l.logger.Error(ctx, "socket mode stopped", "error", err)
		}
		runErr <- err
		cancel()
	}()

	events := l.socket.Events()
	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.statusMu.Lock()
			l.status.Connected = false
			l.statusMu.Unlock()
			err := <-runErr
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		case event, ok := <-events:
			if !ok {
				cancel()
				continue
			}
			l.handleEvent(ctx, event)
		}
	}
}

// Status returns the current connection status.
func (l *Listener) Status() Status {
	l.statusMu.RLock()
	defer l.statusMu.RUnlock()
	return l.status
}

func (l *Listener) handleEvent(ctx context.Context, event socketmode.Event) {
	l.statusMu.Lock()
	l.status.LastEvent = l.now()
	l.statusMu.Unlock()

	switch event.Type {
	case socketmode.EventTypeConnecting:
		l.logger.Info(ctx, "connecting to socket mode")
	case socketmode.EventTypeConnectionError:
		l.logger.Warn(ctx, "socket mode connection error", "data", fmt.Sprintf("%v", event.Data))
		l.updateStatus(false, "connection error")
	case socketmode.EventTypeConnected:
		l.logger.Info(ctx, "connected to socket mode")
		l.updateStatus(true, "")
	case socketmode.EventTypeEventsAPI:
		l.ack(event)
		apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
		if !ok {
			l.logger.Warn(ctx, "unexpected events api payload", "type", fmt.Sprintf("%T", event.Data))
			return
		}
		l.handleEventsAPI(ctx, apiEvent)
	case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
		l.ack(event)
	}
}

func (l *Listener) ack(event socketmode.Event) {
	if event.Request != nil {
		l.socket.Ack(*event.Request)
	}
}

func (l *Listener) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		if l.skip(ev.User, ev.BotID, "", l.StripMention(ev.Text)) {
			l.metrics.RecordMention("skipped")
			return
		}
		l.dispatch(ctx, Mention{
			ChannelID: ev.Channel,
			ThreadTS:  firstNonEmpty(ev.ThreadTimeStamp, ev.TimeStamp),
			MessageTS: ev.TimeStamp,
			UserID:    ev.User,
			Text:      l.StripMention(ev.Text),
			RawText:   ev.Text,
		})
	case *slackevents.MessageEvent:
		// Channel messages that mention the bot also arrive as app_mention;
		// only direct messages are handled here.
		if ev.ChannelType != "im" {
			return
		}
		if l.skip(ev.User, ev.BotID, ev.SubType, l.StripMention(ev.Text)) {
			l.metrics.RecordMention("skipped")
			return
		}
		l.dispatch(ctx, Mention{
			ChannelID: ev.Channel,
			ThreadTS:  firstNonEmpty(ev.ThreadTimeStamp, ev.TimeStamp),
			MessageTS: ev.TimeStamp,
			UserID:    ev.User,
			Text:      l.StripMention(ev.Text),
			RawText:   ev.Text,
			DirectMsg: true,
		})
	}
}

// skip reports whether an event must not be answered.
func (l *Listener) skip(user, botID, subtype, text string) bool {
	switch {
	case strings.TrimSpace(text) == "":
		return true
	case user == "" || botID != "":
		return true
	case user == l.botUserID:
		return true
	case ignoredSubtypes[subtype]:
		return true
	}
	return false
}

// StripMention removes the bot's own mention from text.
func (l *Listener) StripMention(text string) string {
	return strings.Join(strings.Fields(l.mentionRe.ReplaceAllString(text, " ")), " ")
}

func (l *Listener) dispatch(ctx context.Context, m Mention) {
	m.ReceivedAt = l.now()
	if !l.firstDelivery(m.ChannelID + ":" + m.MessageTS) {
		l.logger.Debug(ctx, "duplicate mention delivery", "channel", m.ChannelID, "ts", m.MessageTS)
		return
	}
	// Shutdown does not cancel a cycle in progress; each cycle carries its
	// own deadline.
	hctx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.handler.HandleMention(hctx, m)
	}()
}

// firstDelivery records key and reports whether it was not seen within
// the dedupe window.
func (l *Listener) firstDelivery(key string) bool {
	l.seenMu.Lock()
	defer l.seenMu.Unlock()
	now := l.now()
	for k, at := range l.seen {
		if now.Sub(at) > dedupeWindow {
			delete(l.seen, k)
		}
	}
	if _, ok := l.seen[key]; ok {
		return false
	}
	l.seen[key] = now
	return true
}

func (l *Listener) updateStatus(connected bool, errMsg string) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.status.Connected = connected
	l.status.Error = errMsg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
