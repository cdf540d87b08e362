package threadctx

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultMessageOverhead is added to every message for role and framing
// tokens.
const DefaultMessageOverhead = 10

// Tokenizer estimates the token cost of text. Implementations must be
// deterministic.
type Tokenizer interface {
	Count(text string) int
}

// HeuristicTokenizer counts one token per four characters, minimum one.
type HeuristicTokenizer struct{}

// Count implements Tokenizer.
func (HeuristicTokenizer) Count(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// TiktokenTokenizer counts with an OpenAI BPE encoding.
type TiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads encoding ("cl100k_base" when empty). Loading
// fetches the BPE ranks on first use, so callers fall back to the
// heuristic on error.
func NewTiktokenTokenizer(encoding string) (*TiktokenTokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{enc: enc}, nil
}

// Count implements Tokenizer.
func (t *TiktokenTokenizer) Count(text string) int {
	n := len(t.enc.Encode(text, nil, nil))
	if n < 1 {
		return 1
	}
	return n
}

// TokenizerFor returns the named tokenizer: "tiktoken" or "heuristic".
// An unavailable tiktoken encoding yields the heuristic and the load error.
func TokenizerFor(name, encoding string) (Tokenizer, error) {
	switch name {
	case "", "heuristic":
		return HeuristicTokenizer{}, nil
	case "tiktoken":
		tok, err := NewTiktokenTokenizer(encoding)
		if err != nil {
			return HeuristicTokenizer{}, err
		}
		return tok, nil
	default:
		return HeuristicTokenizer{}, fmt.Errorf("unknown tokenizer %q", name)
	}
}
