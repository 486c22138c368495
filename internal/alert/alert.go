// Package alert delivers canary findings to operators. Dispatchers never
// return errors: a delivery failure is logged and swallowed so it cannot mask
// the drift or fault that triggered it.
package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/rootcanary/rootcanary/internal/config"
	"github.com/rootcanary/rootcanary/pkg/drift"
)

// Dispatcher receives findings from the check loop. One mismatch notification
// is sent per offending (table, iteration); error notifications cover faults
// that prevented a check from completing.
type Dispatcher interface {
	NotifyMismatch(ctx context.Context, report *drift.Report)
	NotifyError(ctx context.Context, scope string, err error)
}

const (
	// rowsPerSection is how many mismatched rows share one message section.
	rowsPerSection = 10

	// maxRowSections bounds the rendered rows; Slack rejects messages with
	// more than 50 blocks.
	maxRowSections = 4

	// maxLoggedRows bounds per-row output in the dry-run sink.
	maxLoggedRows = 20
)

// New selects the dispatcher for the configured notification target. Dry-run
// mode and a missing token both fall back to the process log.
func New(cfg config.NotifyConfig) Dispatcher {
	if cfg.DryRun || cfg.SlackToken == "" {
		return LogDispatcher{}
	}
	return NewSlackDispatcher(cfg)
}

// sender is the slice of the Slack Web API the dispatcher uses.
type sender interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackDispatcher posts alerts to a Slack channel. Mismatch reports render as
// block messages; faults are plain text.
type SlackDispatcher struct {
	api     sender
	channel string
}

// NewSlackDispatcher creates a dispatcher for the configured channel.
func NewSlackDispatcher(cfg config.NotifyConfig) *SlackDispatcher {
	return &SlackDispatcher{
		api:     slack.New(cfg.SlackToken),
		channel: cfg.SlackChannel,
	}
}

// NotifyMismatch posts one block message describing the report.
func (d *SlackDispatcher) NotifyMismatch(ctx context.Context, report *drift.Report) {
	_, _, err := d.api.PostMessageContext(ctx, d.channel,
		slack.MsgOptionText(mismatchFallback(report), false),
		slack.MsgOptionBlocks(buildMismatchBlocks(report)...),
	)
	if err != nil {
		log.Printf("alert: failed to deliver drift notification for table %s: %v", report.Table, err)
	}
}

// NotifyError posts a plain-text message for a fault that prevented a check.
func (d *SlackDispatcher) NotifyError(ctx context.Context, scope string, err error) {
	_, _, perr := d.api.PostMessageContext(ctx, d.channel,
		slack.MsgOptionText(errorText(scope, err), false),
	)
	if perr != nil {
		log.Printf("alert: failed to deliver error notification (%s): %v", scope, perr)
	}
}

// mismatchFallback is the notification text shown where blocks do not render.
func mismatchFallback(report *drift.Report) string {
	return fmt.Sprintf("Root id drift in %s: %d mismatched rows, %d unverified pairs",
		report.Table, len(report.Mismatches), len(report.PairErrors))
}

func errorText(scope string, err error) string {
	return fmt.Sprintf(":warning: rootcanary %s: %v", scope, err)
}

// buildMismatchBlocks renders a report as Slack blocks: header, summary
// fields, divider, batched row sections, unverified pairs, and a context
// footer carrying the run id and fingerprint.
func buildMismatchBlocks(report *drift.Report) []slack.Block {
	title := fmt.Sprintf("Root id drift: %s", report.Table)
	if len(report.Mismatches) == 0 {
		title = fmt.Sprintf("Root id check errors: %s", report.Table)
	}
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, title, true, false),
	)

	fields := []*slack.TextBlockObject{
		markdown(fmt.Sprintf("*Version:*\n%d", report.Version)),
		markdown(fmt.Sprintf("*Timestamp:*\n%s", report.Timestamp.UTC().Format(time.RFC3339))),
		markdown(fmt.Sprintf("*Mismatched rows:*\n%d", len(report.Mismatches))),
		markdown(fmt.Sprintf("*Unverified pairs:*\n%d", len(report.PairErrors))),
	}
	blocks := []slack.Block{
		header,
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewDividerBlock(),
	}

	lines := make([]string, 0, len(report.Mismatches))
	for _, m := range report.Mismatches {
		lines = append(lines, fmt.Sprintf("row %d `%s`=%d: stored `%d`, resolver says `%d`",
			m.RowID, m.SupervoxelColumn, m.SupervoxelID, m.Stored, m.Resolved))
	}
	shown := 0
	for start := 0; start < len(lines) && start/rowsPerSection < maxRowSections; start += rowsPerSection {
		end := start + rowsPerSection
		if end > len(lines) {
			end = len(lines)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			markdown(strings.Join(lines[start:end], "\n")), nil, nil,
		))
		shown = end
	}

	for _, pe := range report.PairErrors {
		blocks = append(blocks, slack.NewSectionBlock(
			markdown(fmt.Sprintf(":grey_question: pair `%s`/`%s` unverified: %s",
				pe.SupervoxelColumn, pe.RootColumn, pe.Error)), nil, nil,
		))
	}

	footer := fmt.Sprintf("run %s, iteration %d, fingerprint `%s`",
		report.RunID, report.Iteration, report.Fingerprint)
	if truncated := len(lines) - shown; truncated > 0 {
		footer += fmt.Sprintf(", and %d more rows archived", truncated)
	}
	blocks = append(blocks, slack.NewContextBlock("", markdown(footer)))

	return blocks
}

func markdown(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

// LogDispatcher writes alerts to the process log. Used for dry runs and when
// no Slack token is configured.
type LogDispatcher struct{}

// NotifyMismatch logs the report summary and a bounded number of rows.
func (LogDispatcher) NotifyMismatch(ctx context.Context, report *drift.Report) {
	log.Printf("alert: drift in table %s: %d mismatched rows, %d unverified pairs (version %d, iteration %d, fingerprint %s)",
		report.Table, len(report.Mismatches), len(report.PairErrors),
		report.Version, report.Iteration, report.Fingerprint)
	for i, m := range report.Mismatches {
		if i == maxLoggedRows {
			log.Printf("alert:   and %d more rows", len(report.Mismatches)-maxLoggedRows)
			break
		}
		log.Printf("alert:   row %d %s=%d: stored %d, resolved %d",
			m.RowID, m.SupervoxelColumn, m.SupervoxelID, m.Stored, m.Resolved)
	}
	for _, pe := range report.PairErrors {
		log.Printf("alert:   pair %s/%s unverified: %s", pe.SupervoxelColumn, pe.RootColumn, pe.Error)
	}
}

// NotifyError logs the fault.
func (LogDispatcher) NotifyError(ctx context.Context, scope string, err error) {
	log.Printf("alert: %s: %v", scope, err)
}
