// Package dispatch sequences the per-message control flow: parse, rate
// limit, confirmation handshake, collaborator call, audit, reply.
//
// The dispatcher is the only component that talks to every other one.  It
// owns no state of its own beyond its collaborators; all decisions are made
// against the limiter, the confirmation store, and the clock injected at
// construction, so the full state machine is deterministic under test.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bdobrica/fumiko/common/redact"
	"github.com/bdobrica/fumiko/common/trace"
	"github.com/bdobrica/fumiko/internal/fumiko/audit"
	"github.com/bdobrica/fumiko/internal/fumiko/command"
	"github.com/bdobrica/fumiko/internal/fumiko/confirm"
	"github.com/bdobrica/fumiko/internal/fumiko/drive"
	"github.com/bdobrica/fumiko/internal/fumiko/notify"
	"github.com/bdobrica/fumiko/internal/fumiko/ratelimit"
	"github.com/bdobrica/fumiko/internal/fumiko/summarize"
)

const (
	// defaultCallTimeout bounds each collaborator call (file store,
	// summarizer).  A timeout is audited as a failure.
	defaultCallTimeout = 30 * time.Second

	// summaryFolderLimit caps how many files a folder SUMMARY reads.
	summaryFolderLimit = 5

	// summaryReadBytes caps how much of each file the summarizer sees.
	summaryReadBytes = 256 * 1024
)

const helpText = `**Fumiko** — remote file store assistant

- ` + "`LIST /path`" + ` (or ` + "`ls`" + `) — list a folder, path defaults to /
- ` + "`DELETE /path`" + ` (or ` + "`rm`" + `) — delete a file or folder (asks for confirmation)
- ` + "`MOVE /src TO /dst`" + ` (or ` + "`mv`" + `) — move a file or folder (asks for confirmation)
- ` + "`SUMMARY /path`" + ` (or ` + "`sum`" + `) — summarize a file, or up to 5 files in a folder
- ` + "`HELP`" + ` or ` + "`?`" + ` — this message

Destructive commands reply with a code; send the code back within 5 minutes to confirm.`

// Config wires the dispatcher's collaborators.  Limiter, Confirms, Audit and
// Drive are required; the rest have working defaults.
type Config struct {
	Limiter    *ratelimit.Limiter
	Confirms   *confirm.Store
	Audit      *audit.Log
	Drive      drive.Client
	Summarizer summarize.Provider
	Notifier   notify.Notifier

	// Now is the clock used for rate limiting and ticket expiry.
	// Defaults to time.Now.
	Now func() time.Time

	// Sensitive lists credential values (drive token, API keys) scrubbed
	// from audit detail and log output.
	Sensitive []string

	// CallTimeout bounds each collaborator call.  Defaults to 30 s.
	CallTimeout time.Duration
}

// Dispatcher turns one inbound chat message into a reply, with safety
// checks and auditing on every path.
type Dispatcher struct {
	cfg Config
}

// New constructs a Dispatcher from cfg, filling in defaults.
func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	return &Dispatcher{cfg: cfg}
}

// HandleInboundMessage processes one (sender, text) pair and returns the
// reply to send back.  Exactly one audit record is written per call; a reply
// is always produced, even when auditing degrades.
func (d *Dispatcher) HandleInboundMessage(ctx context.Context, senderID, text string) string {
	if trace.FromContext(ctx) == "" {
		ctx = trace.WithTraceID(ctx, trace.GenerateID())
	}
	tid := trace.FromContext(ctx)

	cmd := command.Parse(text)
	now := d.cfg.Now()

	slog.Info("dispatch: inbound message",
		"trace_id", tid, "user", senderID, "kind", cmd.Kind, "target", cmd.TargetPath())

	rec := audit.Record{
		TraceID:     tid,
		UserID:      senderID,
		CommandKind: string(cmd.Kind),
		TargetPath:  cmd.TargetPath(),
		DestPath:    cmd.DestPath,
		Timestamp:   now,
	}

	// Informational commands are not billed against the user's quota.
	switch cmd.Kind {
	case command.KindHelp:
		rec.Outcome = audit.OutcomeSuccess
		rec.Detail = "help shown"
		return d.finish(ctx, rec, helpText)
	case command.KindUnrecognized:
		rec.Outcome = audit.OutcomeFailure
		rec.Detail = fmt.Sprintf("unrecognized: %.200s", cmd.RawText)
		return d.finish(ctx, rec,
			"I did not understand that command. Send `HELP` to see what I can do.")
	}

	if !d.cfg.Limiter.Admit(senderID, now) {
		rec.Outcome = audit.OutcomeDenied
		rec.Detail = "rate limit exceeded"
		d.cfg.Notifier.Notify(ctx, notify.Event{
			Kind: notify.KindRateLimited, Actor: senderID, TraceID: tid,
			Message: "rate limit exceeded",
		})
		return d.finish(ctx, rec, fmt.Sprintf(
			"You have hit the limit of %d commands per %s. Please wait for the window to reset.",
			d.cfg.Limiter.Limit(), formatDuration(d.cfg.Limiter.Window())))
	}

	switch cmd.Kind {
	case command.KindList:
		return d.handleList(ctx, rec, cmd)
	case command.KindSummary:
		return d.handleSummary(ctx, rec, cmd)
	case command.KindDelete, command.KindMove:
		return d.handlePending(ctx, rec, senderID, cmd, now)
	case command.KindConfirmReply:
		return d.handleConfirmReply(ctx, rec, senderID, cmd, now)
	}

	// Unreachable as long as the parser stays total.
	rec.Outcome = audit.OutcomeFailure
	rec.Detail = fmt.Sprintf("unhandled command kind %s", cmd.Kind)
	return d.finish(ctx, rec, "Something went wrong handling that command.")
}

func (d *Dispatcher) handleList(ctx context.Context, rec audit.Record, cmd command.Command) string {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	entries, err := d.cfg.Drive.List(callCtx, cmd.Path)
	if err != nil {
		return d.failure(ctx, rec, err, fmt.Sprintf("Could not list %s", cmd.Path))
	}

	rec.Outcome = audit.OutcomeSuccess
	rec.Detail = fmt.Sprintf("%d entries", len(entries))

	if len(entries) == 0 {
		return d.finish(ctx, rec, fmt.Sprintf("%s is empty.", cmd.Path))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%d entries):\n", cmd.Path, len(entries))
	for _, e := range entries {
		if e.IsFolder {
			fmt.Fprintf(&b, "- 📁 %s\n", e.Name)
		} else {
			fmt.Fprintf(&b, "- 📄 %s (%s)\n", e.Name, formatSize(e.Size))
		}
	}
	return d.finish(ctx, rec, strings.TrimRight(b.String(), "\n"))
}

func (d *Dispatcher) handleSummary(ctx context.Context, rec audit.Record, cmd command.Command) string {
	if d.cfg.Summarizer == nil {
		rec.Outcome = audit.OutcomeFailure
		rec.Detail = "summarizer not configured"
		return d.finish(ctx, rec, "Summaries are not enabled on this deployment.")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	// A folder target summarizes its first few files; a file target is
	// summarized directly.  The store tells them apart via List.
	entries, listErr := d.cfg.Drive.List(callCtx, cmd.Path)
	if listErr == nil && len(entries) > 0 {
		return d.summarizeFolder(ctx, rec, cmd, entries)
	}

	data, err := d.cfg.Drive.Read(callCtx, cmd.Path, summaryReadBytes)
	if err != nil {
		return d.failure(ctx, rec, err, fmt.Sprintf("Could not read %s", cmd.Path))
	}

	summary, err := d.cfg.Summarizer.Summarize(callCtx, summarize.Request{
		Name:    cmd.Path,
		Content: string(data),
	})
	if err != nil {
		return d.failure(ctx, rec, err, fmt.Sprintf("Could not summarize %s", cmd.Path))
	}

	rec.Outcome = audit.OutcomeSuccess
	rec.Detail = "file summarized"
	return d.finish(ctx, rec, fmt.Sprintf("**Summary of %s:**\n%s", cmd.Path, summary))
}

func (d *Dispatcher) summarizeFolder(ctx context.Context, rec audit.Record, cmd command.Command, entries []drive.Entry) string {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "**Summary of %s:**\n", cmd.Path)

	summarized := 0
	for _, e := range entries {
		if e.IsFolder {
			continue
		}
		if summarized >= summaryFolderLimit {
			b.WriteString(fmt.Sprintf("_(stopping after %d files)_\n", summaryFolderLimit))
			break
		}
		data, err := d.cfg.Drive.Read(callCtx, e.Path, summaryReadBytes)
		if err != nil {
			fmt.Fprintf(&b, "- **%s**: could not read\n", e.Name)
			continue
		}
		summary, err := d.cfg.Summarizer.Summarize(callCtx, summarize.Request{
			Name:    e.Name,
			Content: string(data),
		})
		if err != nil {
			fmt.Fprintf(&b, "- **%s**: summary failed\n", e.Name)
			continue
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", e.Name, summary)
		summarized++
	}

	if summarized == 0 {
		rec.Outcome = audit.OutcomeFailure
		rec.Detail = "no files could be summarized"
		return d.finish(ctx, rec, fmt.Sprintf("No files in %s could be summarized.", cmd.Path))
	}

	rec.Outcome = audit.OutcomeSuccess
	rec.Detail = fmt.Sprintf("%d files summarized", summarized)
	return d.finish(ctx, rec, strings.TrimRight(b.String(), "\n"))
}

// handlePending issues a confirmation ticket for a destructive command.
// Nothing is executed here.
func (d *Dispatcher) handlePending(ctx context.Context, rec audit.Record, senderID string, cmd command.Command, now time.Time) string {
	code, err := d.cfg.Confirms.Issue(senderID, cmd, now)
	if err != nil {
		return d.failure(ctx, rec, err, "Could not set up the confirmation")
	}

	rec.Outcome = audit.OutcomePending
	rec.Detail = fmt.Sprintf("awaiting confirmation code for: %s", cmd.Describe())

	d.cfg.Notifier.Notify(ctx, notify.Event{
		Kind: notify.KindConfirmRequested, Actor: senderID, Target: cmd.TargetPath(),
		TraceID: rec.TraceID, Message: "confirmation requested: " + cmd.Describe(),
	})

	ttl := formatDuration(d.cfg.Confirms.TTL())
	return d.finish(ctx, rec, fmt.Sprintf(
		"⚠️ This will **%s**.\nReply with `%s` within %s to confirm.",
		cmd.Describe(), code, ttl))
}

// handleConfirmReply resolves the code and, on success, executes the held
// destructive command.
func (d *Dispatcher) handleConfirmReply(ctx context.Context, rec audit.Record, senderID string, cmd command.Command, now time.Time) string {
	held, err := d.cfg.Confirms.Resolve(senderID, cmd.Code, now)
	switch {
	case errors.Is(err, confirm.ErrExpired):
		rec.Outcome = audit.OutcomeDenied
		rec.Detail = "confirmation code expired"
		d.cfg.Notifier.Notify(ctx, notify.Event{
			Kind: notify.KindConfirmDenied, Actor: senderID, TraceID: rec.TraceID,
			Message: "confirmation code expired",
		})
		return d.finish(ctx, rec,
			"That confirmation code has expired. Send the original command again to get a new one.")
	case errors.Is(err, confirm.ErrNotFound):
		rec.Outcome = audit.OutcomeDenied
		rec.Detail = "confirmation code not found"
		d.cfg.Notifier.Notify(ctx, notify.Event{
			Kind: notify.KindConfirmDenied, Actor: senderID, TraceID: rec.TraceID,
			Message: "unknown confirmation code",
		})
		return d.finish(ctx, rec,
			"I have no pending action for that code. It may have been replaced or already used.")
	case err != nil:
		return d.failure(ctx, rec, err, "Could not check the confirmation code")
	}

	// The audit record describes the confirmed command, not the bare code.
	rec.CommandKind = string(held.Kind)
	rec.TargetPath = held.TargetPath()
	rec.DestPath = held.DestPath

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	var execErr error
	var doneMsg string
	var evtKind notify.Kind
	switch held.Kind {
	case command.KindDelete:
		execErr = d.cfg.Drive.Delete(callCtx, held.Path)
		doneMsg = fmt.Sprintf("🗑️ Deleted %s (recoverable from trash).", held.Path)
		evtKind = notify.KindFileDeleted
	case command.KindMove:
		execErr = d.cfg.Drive.Move(callCtx, held.Path, held.DestPath)
		doneMsg = fmt.Sprintf("📦 Moved %s to %s.", held.Path, held.DestPath)
		evtKind = notify.KindFileMoved
	default:
		execErr = fmt.Errorf("dispatch: confirmed command %s is not destructive", held.Kind)
	}

	if execErr != nil {
		return d.failure(ctx, rec, execErr, fmt.Sprintf("Could not %s", held.Describe()))
	}

	rec.Outcome = audit.OutcomeSuccess
	rec.Detail = "confirmed and executed: " + held.Describe()
	d.cfg.Notifier.Notify(ctx, notify.Event{
		Kind: evtKind, Actor: senderID, Target: held.TargetPath(),
		TraceID: rec.TraceID, Message: held.Describe(),
	})
	return d.finish(ctx, rec, doneMsg)
}

// failure fills rec from a collaborator error and replies with a sanitized
// message.  The raw error text goes only into the audit detail and the log.
func (d *Dispatcher) failure(ctx context.Context, rec audit.Record, err error, userMsg string) string {
	rec.Outcome = audit.OutcomeFailure
	rec.Detail = redact.String(err.Error(), d.cfg.Sensitive...)

	slog.Error("dispatch: collaborator call failed",
		"trace_id", rec.TraceID, "user", rec.UserID, "kind", rec.CommandKind, "err", rec.Detail)

	reply := userMsg + "."
	switch {
	case errors.Is(err, drive.ErrNotFound):
		reply = userMsg + ": nothing exists at that path."
	case errors.Is(err, summarize.ErrRateLimited):
		reply = userMsg + ": the summarizer is overloaded, try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		reply = userMsg + ": the operation timed out."
	}
	return d.finish(ctx, rec, reply)
}

// finish writes the audit record and returns the reply.  A lost record turns
// the reply into a failure notice; a degraded write is logged and tolerated.
func (d *Dispatcher) finish(ctx context.Context, rec audit.Record, reply string) string {
	err := d.cfg.Audit.Record(ctx, rec)
	switch {
	case err == nil:
		return reply
	case errors.Is(err, audit.ErrDegraded):
		slog.Error("dispatch: audit sink degraded",
			"trace_id", rec.TraceID, "user", rec.UserID, "err", err)
		return reply
	default:
		// Both sinks failed. The action may already have happened, so the
		// user is told the result stands but auditing did not.
		slog.Error("dispatch: audit record lost",
			"trace_id", rec.TraceID, "user", rec.UserID, "err", err)
		d.cfg.Notifier.Notify(ctx, notify.Event{
			Kind: notify.KindError, Actor: rec.UserID, TraceID: rec.TraceID,
			Message: "audit record lost",
		})
		return reply + "\n\n⚠️ Warning: this action could not be recorded in the audit log."
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute && d%time.Minute == 0:
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	default:
		return d.String()
	}
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
