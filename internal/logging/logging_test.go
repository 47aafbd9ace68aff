package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"text":    FormatText,
		"Tint":    FormatText,
		"HUMAN":   FormatText,
		"json":    FormatJSON,
		"JSON":    FormatJSON,
		"auto":    FormatAuto,
		"":        FormatAuto,
		"garbage": FormatAuto,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseFormat(in), "input %q", in)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("not-a-level"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestIsTTYNonFile(t *testing.T) {
	var sb writerOnly
	assert.False(t, IsTTY(sb))
}

// writerOnly satisfies io.Writer without being an *os.File, exercising
// IsTTY's type-assertion fallback.
type writerOnly struct{}

func (writerOnly) Write(p []byte) (int, error) { return len(p), nil }
