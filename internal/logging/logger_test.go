package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureJSON routes the default logger to a buffer with json encoding
func captureJSON(t *testing.T) *bytes.Buffer {
	t.Helper()
	origLevel := GetLevel()
	var buf bytes.Buffer
	SetFormat("json")
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel(origLevel)
		SetFormat("console")
		Init(Config{Level: origLevel.String()})
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel("WARNING"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel(""))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestSetLevel_FiltersBelowThreshold(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(WARN)

	Debug("hidden")
	Info("hidden")
	Warn("shown %d", 1)
	Error("shown %d", 2)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "shown 1", lines[0]["msg"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "shown 2", lines[1]["msg"])
}

func TestWithFields_Structured(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(DEBUG)

	WithField("user_id", "u1").WithFields(map[string]interface{}{"provider": "twilio", "attempt": 2}).Info("delivered")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "u1", lines[0]["user_id"])
	assert.Equal(t, "twilio", lines[0]["provider"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
}

func TestWithField_DoesNotMutateParent(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	parent := WithField("a", 1)
	_ = parent.WithField("b", 2)
	parent.Info("parent")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	_, hasB := lines[0]["b"]
	assert.False(t, hasB)
}

func TestMessageWithoutArgsIsVerbatim(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	Info("100% done")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "100% done", lines[0]["msg"])
}

func TestLogger_ConcurrentAccess(t *testing.T) {
	buf := captureJSON(t)
	SetLevel(INFO)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			WithField("n", n).Info("concurrent")
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, buf), 20)
}

func TestZapExposed(t *testing.T) {
	assert.NotNil(t, Zap())
}
