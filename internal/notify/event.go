package notify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/opertusmundi/clustering-outliers-deploy/internal/config"
	"github.com/opertusmundi/clustering-outliers-deploy/internal/logging"
)

// Notification levels.
const (
	LevelAll     = "all"
	LevelFailure = "failure"
	LevelNone    = "none"
)

// Kind classifies a deployment event.
type Kind string

const (
	KindDeployed        Kind = "deployed"
	KindDeployFailed    Kind = "deploy_failed"
	KindRolledBack      Kind = "rolled_back"
	KindPreflightFailed Kind = "preflight_failed"
	KindUnhealthy       Kind = "unhealthy"
	KindRecovered       Kind = "recovered"
	KindStopped         Kind = "stopped"
)

// Failure reports whether events of this kind are failures.
func (k Kind) Failure() bool {
	switch k {
	case KindDeployFailed, KindRolledBack, KindPreflightFailed, KindUnhealthy:
		return true
	}
	return false
}

// Event is something worth telling operators about.
type Event struct {
	Kind    Kind
	Project string
	Service string
	Image   string
	Detail  string
}

// Title renders a one-line summary, prefixed for failures.
func (e Event) Title() string {
	subject := e.Service
	if e.Project != "" {
		subject = e.Project + "/" + e.Service
	}
	var verb string
	switch e.Kind {
	case KindDeployed:
		verb = "deployed"
	case KindDeployFailed:
		verb = "deployment failed"
	case KindRolledBack:
		verb = "rolled back"
	case KindPreflightFailed:
		verb = "preflight failed"
	case KindUnhealthy:
		verb = "unhealthy"
	case KindRecovered:
		verb = "healthy again"
	case KindStopped:
		verb = "stopped"
	default:
		verb = string(e.Kind)
	}
	title := fmt.Sprintf("%s %s", subject, verb)
	if e.Kind.Failure() {
		return failurePrefix + title
	}
	return title
}

const failurePrefix = "FAILED: "

func isFailureTitle(title string) bool { return strings.HasPrefix(title, failurePrefix) }

func (e Event) message(source string) string {
	var lines []string
	if e.Image != "" {
		lines = append(lines, "image: "+e.Image)
	}
	if e.Detail != "" {
		lines = append(lines, e.Detail)
	}
	if source != "" {
		lines = append(lines, "source: "+source)
	}
	return strings.Join(lines, "\n")
}

// SetLevel sets the notification level; unknown values mean LevelAll.
func (m *MultiNotifier) SetLevel(level string) {
	switch strings.ToLower(level) {
	case LevelFailure, LevelNone:
		m.level = strings.ToLower(level)
	default:
		m.level = LevelAll
	}
}

// SetSource sets the footer identifying where messages come from.
func (m *MultiNotifier) SetSource(source string) { m.source = source }

// Allows reports whether an event passes the level filter.
func (m *MultiNotifier) Allows(e Event) bool {
	switch m.level {
	case LevelNone:
		return false
	case LevelFailure:
		return e.Kind.Failure()
	}
	return true
}

// Notify sends an event to every provider unless the level filters it.
func (m *MultiNotifier) Notify(ctx context.Context, e Event) {
	if m == nil || len(m.providers) == 0 {
		return
	}
	if !m.Allows(e) {
		logging.Get().Debug().Str("kind", string(e.Kind)).Str("level", m.level).Msg("notification filtered by level")
		return
	}
	m.Send(ctx, e.Title(), e.message(m.source))
}

// FromConfig builds a notifier with every provider the config enables.
func FromConfig(cfg *config.Config) *MultiNotifier {
	m := NewMultiNotifier()
	m.SetLevel(cfg.NotificationLevel)
	if cfg.SlackWebhook != "" {
		m.Add(&Slack{WebhookURL: cfg.SlackWebhook})
	}
	if cfg.DiscordWebhook != "" {
		m.Add(&Discord{WebhookURL: cfg.DiscordWebhook})
	}
	if cfg.GenericWebhookURL != "" {
		m.Add(&Generic{WebhookURL: cfg.GenericWebhookURL})
	}
	if host, err := os.Hostname(); err == nil {
		m.SetSource(host)
	}
	return m
}
