package slack

import (
	"strings"
	"testing"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAlertMessage_KnownSeverity(t *testing.T) {
	blocks := BuildAlertMessage("critical", "Refund spike detected", "branch 9 refunds are 3x baseline")

	require.Len(t, blocks, 2)
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":red_circle:")
	assert.Contains(t, header.Text.Text, "Refund spike detected")

	body := blocks[1].(*goslack.SectionBlock)
	assert.Contains(t, body.Text.Text, "branch 9 refunds are 3x baseline")
}

func TestBuildAlertMessage_UnknownSeverityFallsBackToBell(t *testing.T) {
	blocks := BuildAlertMessage("unknown", "title", "")
	header := blocks[0].(*goslack.SectionBlock)
	assert.Contains(t, header.Text.Text, ":bell:")
	assert.Len(t, blocks, 1, "empty body should not add a second block")
}

func TestTruncateForSlack(t *testing.T) {
	t.Run("short text unchanged", func(t *testing.T) {
		assert.Equal(t, "hello", truncateForSlack("hello"))
	})

	t.Run("exact limit unchanged", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength)
		assert.Equal(t, text, truncateForSlack(text))
	})

	t.Run("over limit truncated", func(t *testing.T) {
		text := strings.Repeat("a", maxBlockTextLength+100)
		result := truncateForSlack(text)
		assert.True(t, len(result) < len(text))
		assert.Contains(t, result, "truncated")
	})

	t.Run("multi-byte runes not split", func(t *testing.T) {
		text := strings.Repeat("🔥", maxBlockTextLength+10)
		result := truncateForSlack(text)
		assert.Contains(t, result, "truncated")
		assert.True(t, utf8.ValidString(result), "result should be valid UTF-8")
		prefix := strings.Split(result, "\n\n_...")[0]
		assert.Equal(t, maxBlockTextLength, utf8.RuneCountInString(prefix))
	})
}
