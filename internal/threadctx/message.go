// Package threadctx builds the bounded, sanitized, session-tagged view of a
// Slack thread that one request cycle hands to the LLM.
package threadctx

import (
	"strconv"
	"strings"
	"time"
)

// RawMessage is a message record as returned by the chat transport.
type RawMessage struct {
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Username string `json:"username,omitempty"`
	Subtype  string `json:"subtype,omitempty"`
	Text     string `json:"text"`
}

// Time parses the Slack "seconds.micros" timestamp. ok is false when TS is
// not a timestamp.
func (m RawMessage) Time() (t time.Time, ok bool) {
	secs, frac, _ := strings.Cut(m.TS, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		if micros, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(s, micros*int64(time.Microsecond)), true
}

// Message is one sanitized thread message. Tokens is always computed by the
// Analyzer.
type Message struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	TS        string    `json:"ts"`
	ThreadTS  string    `json:"thread_ts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"is_bot"`
	Tokens    int       `json:"tokens"`
}

// Role is the transcript label for the message author.
func (m Message) Role() string {
	if m.IsBot {
		return "Bot"
	}
	return "User"
}

// Context is the token-budgeted view of one thread, owned by exactly one
// session. It is never mutated after the Analyzer returns it.
type Context struct {
	sessionID   string
	channelID   string
	threadTS    string
	messages    []Message
	totalTokens int
	dropped     int
	createdAt   time.Time
}

// SessionID is the session the context was built for.
func (c *Context) SessionID() string { return c.sessionID }

// ChannelID is the Slack channel.
func (c *Context) ChannelID() string { return c.channelID }

// ThreadTS is the thread's root timestamp.
func (c *Context) ThreadTS() string { return c.threadTS }

// ThreadKey identifies the thread across channels ("C123:1700000000.000100").
func (c *Context) ThreadKey() string { return ThreadKey(c.channelID, c.threadTS) }

// Messages returns a copy of the retained messages, oldest first.
func (c *Context) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len is the number of retained messages.
func (c *Context) Len() int { return len(c.messages) }

// Empty reports whether no messages were retained.
func (c *Context) Empty() bool { return len(c.messages) == 0 }

// TotalTokens is the summed token cost of the retained messages.
func (c *Context) TotalTokens() int { return c.totalTokens }

// Dropped is how many fetched messages did not fit the budget.
func (c *Context) Dropped() int { return c.dropped }

// CreatedAt is when the Analyzer built the context.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Transcript renders the messages one per line as "Role: text".
func (c *Context) Transcript() string {
	if len(c.messages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range c.messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role())
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// ThreadKey joins a channel and thread timestamp into the key sessions are
// tracked under.
func ThreadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}
