package runner

import (
	"github.com/pkg/errors"
	"github.com/weaviate/tiktoken-go"
)

// TokenCounter counts tokens of a text.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter returns a counter using the cl100k_base encoding.
func NewTiktokenCounter() (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, errors.Wrap(err, "load cl100k_base encoding")
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func usageFor(counter TokenCounter, input string, outputs []string) *TokenUsage {
	if counter == nil {
		return nil
	}
	u := &TokenUsage{InputTokens: counter.Count(input)}
	for _, o := range outputs {
		u.OutputTokens += counter.Count(o)
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u
}
