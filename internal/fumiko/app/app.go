// Package app provides the main Fumiko application
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/fumiko/internal/fumiko/audit"
	"github.com/bdobrica/fumiko/internal/fumiko/config"
	"github.com/bdobrica/fumiko/internal/fumiko/confirm"
	"github.com/bdobrica/fumiko/internal/fumiko/dispatch"
	"github.com/bdobrica/fumiko/internal/fumiko/drive"
	"github.com/bdobrica/fumiko/internal/fumiko/matrix"
	"github.com/bdobrica/fumiko/internal/fumiko/notify"
	"github.com/bdobrica/fumiko/internal/fumiko/ratelimit"
	"github.com/bdobrica/fumiko/internal/fumiko/store"
	"github.com/bdobrica/fumiko/internal/fumiko/summarize"
)

// seenEventsMax bounds the inbound dedup window.  Matrix delivery is
// at-least-once; replaying a DELETE confirmation must not execute twice.
const seenEventsMax = 1024

// App is the main Fumiko application
type App struct {
	cfg          *config.Config
	store        *store.Store
	auditLog     *audit.Log
	matrix       *matrix.Client
	confirms     *confirm.Store
	dispatcher   *dispatch.Dispatcher
	healthServer *HealthServer

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// New creates a new Fumiko application
func New(cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	auditLog, err := audit.NewLog(st, cfg.AuditCSVPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize audit log: %w", err)
	}

	// Inject the DB so the client can persist the sync token across restarts.
	matrixCfg := matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
		Rooms:       cfg.Matrix.Rooms,
		DB:          st.DB(),
	}
	slog.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	matrixClient, err := matrix.New(&matrixCfg)
	if err != nil {
		auditLog.Close()
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	driveClient := drive.NewClient(drive.Config{
		BaseURL: cfg.Drive.BaseURL,
		Token:   cfg.Drive.Token,
	})

	var summarizer summarize.Provider
	if cfg.Summarizer.APIKey != "" {
		summarizer = summarize.New(summarize.Config{
			APIKey:  cfg.Summarizer.APIKey,
			BaseURL: cfg.Summarizer.Endpoint,
			Model:   cfg.Summarizer.Model,
		})
		slog.Info("summarizer ready", "endpoint", cfg.Summarizer.Endpoint, "model", cfg.Summarizer.Model)
	} else {
		slog.Info("summarizer disabled (no API key configured)")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Matrix.AuditRoom != "" {
		notifier = notify.NewMatrixNotifier(matrixClient, cfg.Matrix.AuditRoom)
		slog.Info("audit room notifier ready", "room", cfg.Matrix.AuditRoom)
	}

	rateLimit := cfg.Limits.RateLimit
	if rateLimit == 0 {
		rateLimit = ratelimit.DefaultLimit
	}
	rateWindow := cfg.Limits.RateWindow.Std()
	if rateWindow == 0 {
		rateWindow = ratelimit.DefaultWindow
	}
	confirms := confirm.NewStore(cfg.Limits.ConfirmTTL.Std())

	dispatcher := dispatch.New(dispatch.Config{
		Limiter:    ratelimit.New(rateLimit, rateWindow),
		Confirms:   confirms,
		Audit:      auditLog,
		Drive:      driveClient,
		Summarizer: summarizer,
		Notifier:   notifier,
		Sensitive: []string{
			cfg.Drive.Token,
			cfg.Summarizer.APIKey,
			cfg.Matrix.AccessToken,
		},
	})
	slog.Info("dispatcher ready", "rate_limit", rateLimit, "rate_window", rateWindow, "confirm_ttl", confirms.TTL())

	a := &App{
		cfg:        cfg,
		store:      st,
		auditLog:   auditLog,
		matrix:     matrixClient,
		confirms:   confirms,
		dispatcher: dispatcher,
		seen:       make(map[string]struct{}, seenEventsMax),
	}

	if cfg.HTTPAddr != "" {
		a.healthServer = NewHealthServer(cfg.HTTPAddr, auditLog, confirms)
		slog.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return a, nil
}

// Run starts the Fumiko application and blocks until interrupted.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// Send startup message to command rooms
	for _, roomID := range a.cfg.Matrix.Rooms {
		a.matrix.SendNotice(roomID, "✅ Fumiko is online. Send HELP to see the available commands.")
	}

	slog.Info("Fumiko is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop stops the Fumiko application
func (a *App) Stop() {
	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing audit log and database")
	a.auditLog.Close()
	a.store.Close()
}

// handleMessage processes incoming Matrix messages
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	// Matrix delivery is at-least-once; drop events already handled.
	if a.alreadySeen(evt.ID.String()) {
		slog.Debug("dropping duplicate event", "event_id", evt.ID)
		return
	}

	roomID := evt.RoomID.String()

	// Typing indicator while the dispatcher works; errors are cosmetic.
	a.matrix.SetTyping(roomID, true, 30*time.Second)
	defer a.matrix.SetTyping(roomID, false, 0)

	reply := a.dispatcher.HandleInboundMessage(ctx, evt.Sender.String(), msgContent.Body)
	if reply == "" {
		return
	}

	htmlBody := markdownToHTML(reply)
	if err := a.matrix.SendFormattedMessage(roomID, htmlBody, reply); err != nil {
		slog.Error("failed to send response", "room", roomID, "err", err)
	}
}

// alreadySeen records eventID and reports whether it was present.  The seen
// set is bounded FIFO so memory stays flat under sustained traffic.
func (a *App) alreadySeen(eventID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[eventID]; ok {
		return true
	}
	a.seen[eventID] = struct{}{}
	a.seenOrder = append(a.seenOrder, eventID)
	if len(a.seenOrder) > seenEventsMax {
		oldest := a.seenOrder[0]
		a.seenOrder = a.seenOrder[1:]
		delete(a.seen, oldest)
	}
	return false
}

// markdownToHTML converts the small subset of Markdown produced by the
// dispatcher into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
//
// Supported constructs (in order of processing):
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
func markdownToHTML(md string) string {
	// Process fenced code blocks first so their content is not touched by
	// subsequent inline passes.
	var out strings.Builder
	lines := strings.Split(md, "\n")
	inCode := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				out.WriteString("<pre><code>")
				inCode = true
			} else {
				out.WriteString("</code></pre>")
				inCode = false
			}
			continue
		}
		if inCode {
			// Escape HTML entities inside code blocks.
			escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(line)
			out.WriteString(escaped)
			out.WriteString("\n")
		} else {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	result := out.String()

	// Inline code: `…`
	result = replaceDelimited(result, "`", "<code>", "</code>")

	// Bold: **…**
	result = replaceDelimited(result, "**", "<strong>", "</strong>")

	// Convert bare newlines to <br/>.
	result = strings.ReplaceAll(result, "\n", "<br/>")

	return result
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
