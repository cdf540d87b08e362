package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		name    string
		version int
		reason  string
	}{
		{"current", CurrentVersion, ""},
		{"missing", 0, "missing"},
		{"negative", -1, "invalid"},
		{"newer than build", CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVersion(tt.version)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *VersionError, got %T", err)
			}
			if ve.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, ve.Reason)
			}
		})
	}
}

func TestVersionError_NewerMentionsUpgrade(t *testing.T) {
	err := ValidateVersion(CurrentVersion + 1)
	if err == nil || !strings.Contains(err.Error(), "upgrade meowth") {
		t.Fatalf("error = %v, want upgrade hint", err)
	}
}

func TestVersionError_NilReceiver(t *testing.T) {
	var ve *VersionError
	if got := ve.Error(); got != "" {
		t.Fatalf("expected empty string from nil VersionError, got %q", got)
	}
}

func TestVersionError_EmptyReason(t *testing.T) {
	ve := &VersionError{Version: 7, Current: 1}
	if msg := ve.Error(); !strings.Contains(msg, "unsupported") {
		t.Fatalf("message = %q", msg)
	}
}
