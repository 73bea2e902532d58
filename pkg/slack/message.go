package slack

import (
	"fmt"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var severityEmoji = map[string]string{
	"low":      ":large_blue_circle:",
	"medium":   ":large_yellow_circle:",
	"high":     ":warning:",
	"critical": ":red_circle:",
}

// BuildAlertMessage creates Block Kit blocks for an outbound alerting-channel
// notification: a severity-tagged title plus body text.
func BuildAlertMessage(severity, title, body string) []goslack.Block {
	emoji := severityEmoji[severity]
	if emoji == "" {
		emoji = ":bell:"
	}
	headerText := fmt.Sprintf("%s *%s*", emoji, title)

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
	}
	if body != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForSlack(body), false, false),
			nil, nil,
		))
	}
	return blocks
}

func truncateForSlack(text string) string {
	if utf8.RuneCountInString(text) <= maxBlockTextLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
