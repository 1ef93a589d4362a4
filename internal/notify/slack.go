package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/Tokal-27/DropMe/internal/domain"
)

// SlackNotifier posts alert events as Slack messages, routed per channel.
type SlackNotifier struct {
	client *slack.Client
	routes Routes
	logger *slog.Logger
}

func NewSlackNotifier(token string, routes Routes, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client: slack.New(token),
		routes: routes,
		logger: logger.With("component", "slack_notifier"),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, event domain.AlertEvent) error {
	channel := n.routes.ChannelFor(event)
	if channel == "" {
		n.logger.Warn("no channel routed for event, skipping", "kind", event.Kind)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(formatEvent(event), false),
	)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	n.logger.Info("alert posted", "channel", channel, "kind", event.Kind)
	return nil
}

func formatEvent(event domain.AlertEvent) string {
	switch event.Kind {
	case domain.AlertKindRetraining:
		return fmt.Sprintf(":rotating_light: Retraining triggered (score %.3f). %s", event.Score, event.Message)
	case domain.AlertKindRecovered:
		return fmt.Sprintf(":white_check_mark: Drift recovered, state %s. %s", event.State, event.Message)
	case domain.AlertKindRollbackFailed:
		return fmt.Sprintf(":fire: Rollback failed, operator action required. %s", event.Message)
	default:
		return fmt.Sprintf(":warning: Drift %s (score %.3f), state %s. %s",
			event.Severity, event.Score, event.State, event.Message)
	}
}
