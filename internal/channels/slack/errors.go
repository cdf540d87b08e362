package slack

import (
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/threadctx"
	"github.com/haasonsaas/meowth/internal/tools"
)

// permissionCodes are Slack error codes meaning the bot may not read or
// write the resource.
var permissionCodes = map[string]bool{
	"not_in_channel":    true,
	"channel_not_found": true,
	"missing_scope":     true,
	"invalid_auth":      true,
	"not_authed":        true,
	"token_revoked":     true,
	"token_expired":     true,
	"account_inactive":  true,
	"access_denied":     true,
	"is_archived":       true,
}

// mapError converts Slack API errors into the bot's error vocabulary:
// throttling becomes *ratelimit.ThrottledError and access failures wrap
// threadctx.ErrPermissionDenied and *tools.PermissionError.
func mapError(key string, err error) error {
	if err == nil {
		return nil
	}

	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return &ratelimit.ThrottledError{Key: key, RetryAfter: rateLimited.RetryAfter, Err: err}
	}

	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) && statusErr.Code == 429 {
		return &ratelimit.ThrottledError{Key: key, Err: err}
	}

	code := errorCode(err)
	switch {
	case code == "ratelimited" || code == "rate_limited":
		return &ratelimit.ThrottledError{Key: key, Err: err}
	case permissionCodes[code]:
		return fmt.Errorf("%w: %w", threadctx.ErrPermissionDenied,
			&tools.PermissionError{Resource: key, Reason: code})
	}
	return err
}

// errorCode extracts the Slack "error" field.
func errorCode(err error) string {
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err
	}
	var respPtr *slack.SlackErrorResponse
	if errors.As(err, &respPtr) && respPtr != nil {
		return respPtr.Err
	}
	// Some client paths return the bare code as the error text.
	msg := strings.TrimSpace(err.Error())
	if !strings.ContainsAny(msg, " :") {
		return msg
	}
	return ""
}
