package slack

import (
	"context"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// SlackAPIClient is the subset of the Slack Web API the bot uses.
type SlackAPIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

// SocketModeClient is the Socket Mode connection the listener reads from.
type SocketModeClient interface {
	RunContext(ctx context.Context) error
	Ack(req socketmode.Request, payload ...interface{})
	Events() <-chan socketmode.Event
}

// Ensure slack.Client implements SlackAPIClient
var _ SlackAPIClient = (*slack.Client)(nil)

// socketClient adapts *socketmode.Client, whose events are a struct field.
type socketClient struct {
	*socketmode.Client
}

func (c socketClient) Events() <-chan socketmode.Event { return c.Client.Events }

// NewSocketModeClient wraps a socketmode client built from api.
func NewSocketModeClient(api *slack.Client, debug bool) SocketModeClient {
	return socketClient{socketmode.New(api, socketmode.OptionDebug(debug))}
}

// MockSlackClient is a test double for SlackAPIClient. Unset functions
// return canned responses.
type MockSlackClient struct {
	AuthTestContextFunc               func(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContextFunc            func(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationRepliesContextFunc func(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetConversationHistoryContextFunc func(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
}

func (m *MockSlackClient) AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error) {
	if m.AuthTestContextFunc != nil {
		return m.AuthTestContextFunc(ctx)
	}
	return &slack.AuthTestResponse{UserID: "U12345", Team: "TestTeam"}, nil
}

func (m *MockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if m.PostMessageContextFunc != nil {
		return m.PostMessageContextFunc(ctx, channelID, options...)
	}
	return channelID, "1234567890.123456", nil
}

func (m *MockSlackClient) GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if m.GetConversationRepliesContextFunc != nil {
		return m.GetConversationRepliesContextFunc(ctx, params)
	}
	return nil, false, "", nil
}

func (m *MockSlackClient) GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if m.GetConversationHistoryContextFunc != nil {
		return m.GetConversationHistoryContextFunc(ctx, params)
	}
	return &slack.GetConversationHistoryResponse{}, nil
}

// MockSocketModeClient is a test double for SocketModeClient.
type MockSocketModeClient struct {
	RunFunc    func(ctx context.Context) error
	AckFunc    func(req socketmode.Request, payload ...interface{})
	EventsChan chan socketmode.Event
}

func (m *MockSocketModeClient) RunContext(ctx context.Context) error {
	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockSocketModeClient) Ack(req socketmode.Request, payload ...interface{}) {
	if m.AckFunc != nil {
		m.AckFunc(req, payload...)
	}
}

func (m *MockSocketModeClient) Events() <-chan socketmode.Event {
	if m.EventsChan == nil {
		m.EventsChan = make(chan socketmode.Event, 100)
	}
	return m.EventsChan
}

// Compile-time interface checks.
var (
	_ SlackAPIClient   = (*MockSlackClient)(nil)
	_ SocketModeClient = (*MockSocketModeClient)(nil)
)
