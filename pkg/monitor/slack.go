package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goslack "github.com/slack-go/slack"
)

// SlackNotifier mirrors high-severity alerts into an ops channel.
type SlackNotifier struct {
	api       *goslack.Client
	channelID string
	// minSeverity filters out warnings to keep the channel readable.
	minSeverity Severity
	logger      *slog.Logger
}

// NewSlackNotifier creates a notifier posting to the given channel.
func NewSlackNotifier(token, channelID string) *SlackNotifier {
	return &SlackNotifier{
		api:         goslack.New(token),
		channelID:   channelID,
		minSeverity: SeverityError,
		logger:      slog.Default().With("component", "slack-notifier"),
	}
}

// NewSlackNotifierWithAPIURL targets a custom API URL. Useful for testing
// with a mock server.
func NewSlackNotifierWithAPIURL(token, channelID, apiURL string) *SlackNotifier {
	n := NewSlackNotifier(token, channelID)
	n.api = goslack.New(token, goslack.OptionAPIURL(apiURL))
	return n
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityError:
		return 1
	default:
		return 0
	}
}

// Notify posts the alert unless it falls under the severity floor.
func (n *SlackNotifier) Notify(ctx context.Context, a Alert) {
	if severityRank(a.Severity) < severityRank(n.minSeverity) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	header := fmt.Sprintf("%s [%s] %s", severityMark(a.Severity), a.Severity, a.Type)
	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*%s*\n%s", header, a.Message), false, false),
			nil, nil),
	}
	if len(a.Details) > 0 {
		fields := make([]*goslack.TextBlockObject, 0, len(a.Details))
		for k, v := range a.Details {
			fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("*%s:* %v", k, v), false, false))
		}
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}

	if _, _, err := n.api.PostMessageContext(ctx, n.channelID,
		goslack.MsgOptionBlocks(blocks...)); err != nil {
		n.logger.Error("chat.postMessage failed", "alert_type", a.Type, "error", err)
	}
}
