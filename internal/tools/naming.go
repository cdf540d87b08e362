package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MaxNameLength is the longest tool name LLM providers accept.
const MaxNameLength = 64

var (
	unsafeNameRegex = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
	validNameRegex  = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	configKeyRegex  = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// QualifiedName returns the LLM-facing name for a tool: category_tool,
// lowercased, with unsafe characters folded to underscores. Names longer
// than MaxNameLength are truncated with a hash suffix.
func QualifiedName(category, name string) string {
	base := sanitizeName(category) + "_" + sanitizeName(name)
	if len(base) <= MaxNameLength {
		return base
	}
	sum := sha256.Sum256([]byte(category + "." + name))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return base[:MaxNameLength-len(suffix)] + suffix
}

// FactoryKey returns the default factory key for a configured tool.
func FactoryKey(category, name string) string {
	return category + "." + name
}

func sanitizeName(name string) string {
	safe := unsafeNameRegex.ReplaceAllString(name, "_")
	safe = strings.ToLower(strings.Trim(safe, "_"))
	for strings.Contains(safe, "__") {
		safe = strings.ReplaceAll(safe, "__", "_")
	}
	if safe == "" {
		safe = "tool"
	}
	return safe
}

func validateConfigKey(kind, key string) error {
	if !configKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid %s name %q: must match %s", kind, key, configKeyRegex.String())
	}
	return nil
}

// ValidName reports whether name is an acceptable LLM-facing tool name.
func ValidName(name string) bool {
	return validNameRegex.MatchString(name)
}
