package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"github.com/triagehq/triage/pkg/protocol"
)

// SlackConfig holds Slack delivery settings. Either an incoming webhook
// URL or a bot token plus channel must be set; the webhook wins when
// both are present.
type SlackConfig struct {
	WebhookURL string
	BotToken   string
	Channel    string
}

// SlackSender posts digests to Slack.
type SlackSender struct {
	cfg    SlackConfig
	api    *slack.Client
	logger *slog.Logger
}

// NewSlack creates a Slack sender.
func NewSlack(cfg SlackConfig, logger *slog.Logger) (*SlackSender, error) {
	if cfg.WebhookURL == "" && (cfg.BotToken == "" || cfg.Channel == "") {
		return nil, fmt.Errorf("slack: webhook_url or bot_token+channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &SlackSender{cfg: cfg, logger: logger}
	if cfg.WebhookURL == "" {
		s.api = slack.New(cfg.BotToken)
	}
	return s, nil
}

func (s *SlackSender) Name() string { return "slack" }

// Send posts the digest as mrkdwn with a section block per partition.
func (s *SlackSender) Send(ctx context.Context, p *protocol.DigestPayload) error {
	text := ToMrkdwn(p.Text)

	if s.cfg.WebhookURL != "" {
		msg := &slack.WebhookMessage{
			Text:   text,
			Blocks: digestBlocks(p),
		}
		if err := slack.PostWebhookContext(ctx, s.cfg.WebhookURL, msg); err != nil {
			return fmt.Errorf("slack: post webhook: %w", err)
		}
		return nil
	}

	_, _, err := s.api.PostMessageContext(ctx, s.cfg.Channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// digestBlocks builds the structured summary alongside the fallback text.
func digestBlocks(p *protocol.DigestPayload) *slack.Blocks {
	var blocks []slack.Block
	blocks = append(blocks, slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, "Support queue digest", false, false),
	))

	var lines []string
	for _, sec := range p.Sections {
		line := fmt.Sprintf("*%s*: %d open", sec.Name, sec.Total)
		if sec.StaleCount > 0 {
			line += fmt.Sprintf(", %d stale", sec.StaleCount)
		}
		lines = append(lines, line)
	}
	blocks = append(blocks, slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false),
		nil, nil,
	))

	if len(p.OldestStale) > 0 {
		var stale []string
		for i, it := range p.OldestStale {
			line := fmt.Sprintf("%d. %s — %s (%s", i+1, it.Subject, it.CustomerEmail, it.AgeDisplay)
			if it.ClaimedBy != "" {
				line += ", claimed by " + it.ClaimedBy
			}
			line += ")"
			stale = append(stale, line)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				"*Oldest stale*\n"+strings.Join(stale, "\n"), false, false),
			nil, nil,
		))
	}

	return &slack.Blocks{BlockSet: blocks}
}

// ToMrkdwn converts the digest's plain Markdown to Slack mrkdwn:
// **bold** becomes *bold* and [text](url) becomes <url|text>.
func ToMrkdwn(md string) string {
	out := strings.ReplaceAll(md, "**", "*")
	return convertLinks(out)
}

func convertLinks(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '[' {
			b.WriteByte(s[i])
			i++
			continue
		}
		mid := strings.Index(s[i:], "](")
		if mid == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		mid += i
		end := strings.IndexByte(s[mid:], ')')
		if end == -1 {
			b.WriteByte(s[i])
			i++
			continue
		}
		end += mid
		fmt.Fprintf(&b, "<%s|%s>", s[mid+2:end], s[i+1:mid])
		i = end + 1
	}
	return b.String()
}
