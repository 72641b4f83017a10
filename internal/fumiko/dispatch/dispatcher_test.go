package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/fumiko/internal/fumiko/audit"
	"github.com/bdobrica/fumiko/internal/fumiko/confirm"
	"github.com/bdobrica/fumiko/internal/fumiko/dispatch"
	"github.com/bdobrica/fumiko/internal/fumiko/drive"
	"github.com/bdobrica/fumiko/internal/fumiko/ratelimit"
	"github.com/bdobrica/fumiko/internal/fumiko/store"
	"github.com/bdobrica/fumiko/internal/fumiko/summarize"
)

const alice = "@alice:example.com"

// fakeDrive records calls and serves canned responses.
type fakeDrive struct {
	mu      sync.Mutex
	entries map[string][]drive.Entry
	content map[string][]byte
	deletes []string
	moves   [][2]string
	failAll error
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{
		entries: map[string][]drive.Entry{},
		content: map[string][]byte{},
	}
}

func (f *fakeDrive) List(_ context.Context, path string) ([]drive.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	es, ok := f.entries[path]
	if !ok {
		return nil, drive.ErrNotFound
	}
	return es, nil
}

func (f *fakeDrive) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.deletes = append(f.deletes, path)
	return nil
}

func (f *fakeDrive) Move(_ context.Context, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.moves = append(f.moves, [2]string{src, dst})
	return nil
}

func (f *fakeDrive) Read(_ context.Context, path string, maxBytes int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, ok := f.content[path]
	if !ok {
		return nil, drive.ErrNotFound
	}
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
	}
	return data, nil
}

func (f *fakeDrive) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

// fakeSummarizer echoes a canned summary.
type fakeSummarizer struct {
	err error
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarize.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "summary of " + req.Name, nil
}

// harness bundles a dispatcher with its collaborators and a controllable
// clock.
type harness struct {
	d     *dispatch.Dispatcher
	drive *fakeDrive
	log   *audit.Log
	now   time.Time
	mu    sync.Mutex
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) send(t *testing.T, user, text string) string {
	t.Helper()
	return h.d.HandleInboundMessage(context.Background(), user, text)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	s, err := store.New(filepath.Join(dir, "fumiko.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log, err := audit.NewLog(s, filepath.Join(dir, "audit.csv"))
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	fd := newFakeDrive()
	h := &harness{
		drive: fd,
		log:   log,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.d = dispatch.New(dispatch.Config{
		Limiter:    ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		Confirms:   confirm.NewStore(confirm.DefaultTTL),
		Audit:      log,
		Drive:      fd,
		Summarizer: &fakeSummarizer{},
		Now:        h.clock,
		Sensitive:  []string{"secret123"},
	})
	return h
}

func (h *harness) auditCount(t *testing.T) int {
	t.Helper()
	n, err := h.log.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

var codeRe = regexp.MustCompile(`\b[0-9a-f]{12}\b`)

func extractCode(t *testing.T, reply string) string {
	t.Helper()
	code := codeRe.FindString(reply)
	if code == "" {
		t.Fatalf("no confirmation code in reply: %q", reply)
	}
	return code
}

func TestHelp_ListsCommands(t *testing.T) {
	h := newHarness(t)

	reply := h.send(t, alice, "help")
	for _, want := range []string{"LIST", "DELETE", "MOVE", "SUMMARY"} {
		if !strings.Contains(reply, want) {
			t.Errorf("help reply missing %q: %q", want, reply)
		}
	}
	if h.auditCount(t) != 1 {
		t.Errorf("help not audited")
	}
}

func TestUnrecognized_RepliesWithGuidance(t *testing.T) {
	h := newHarness(t)

	reply := h.send(t, alice, "banana")
	if !strings.Contains(reply, "HELP") {
		t.Errorf("reply should point at HELP: %q", reply)
	}
}

func TestList_FormatsEntries(t *testing.T) {
	h := newHarness(t)
	h.drive.entries["/ProjectX"] = []drive.Entry{
		{Name: "report.pdf", Path: "/ProjectX/report.pdf", Size: 2048},
		{Name: "drafts", Path: "/ProjectX/drafts", IsFolder: true},
	}

	reply := h.send(t, alice, "LIST /ProjectX")
	if !strings.Contains(reply, "report.pdf") || !strings.Contains(reply, "drafts") {
		t.Errorf("listing missing entries: %q", reply)
	}
}

func TestList_NotFoundIsSanitized(t *testing.T) {
	h := newHarness(t)

	reply := h.send(t, alice, "LIST /nope")
	if !strings.Contains(reply, "nothing exists") {
		t.Errorf("expected not-found phrasing: %q", reply)
	}
}

func TestDelete_RequiresConfirmation(t *testing.T) {
	h := newHarness(t)

	reply := h.send(t, alice, "DELETE /ProjectX/report.pdf")
	extractCode(t, reply)
	if h.drive.deleteCount() != 0 {
		t.Fatal("delete executed before confirmation")
	}

	stats, err := h.log.StatsFor(context.Background(), alice)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if stats.OutcomeCounts["pending_confirmation"] != 1 {
		t.Errorf("expected pending_confirmation audit record: %v", stats.OutcomeCounts)
	}
}

func TestDelete_ConfirmedEndToEnd(t *testing.T) {
	h := newHarness(t)

	code := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))
	h.advance(10 * time.Second)
	reply := h.send(t, alice, code)

	if !strings.Contains(reply, "/x.pdf") {
		t.Errorf("confirmation reply should name the path: %q", reply)
	}
	if h.drive.deleteCount() != 1 || h.drive.deletes[0] != "/x.pdf" {
		t.Fatalf("expected exactly one delete of /x.pdf, got %v", h.drive.deletes)
	}

	// Two audit records for the exchange: pending, then success.
	stats, err := h.log.StatsFor(context.Background(), alice)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if stats.OutcomeCounts["pending_confirmation"] != 1 || stats.OutcomeCounts["success"] != 1 {
		t.Errorf("unexpected outcomes: %v", stats.OutcomeCounts)
	}
	// The success record names the confirmed command, not CONFIRM.
	if stats.Recent[0].CommandKind != "DELETE" || stats.Recent[0].TargetPath != "/x.pdf" {
		t.Errorf("success record should describe the held command: %+v", stats.Recent[0])
	}
}

func TestConfirm_CodeIsSingleUse(t *testing.T) {
	h := newHarness(t)

	code := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))
	h.send(t, alice, code)
	reply := h.send(t, alice, code)

	if !strings.Contains(reply, "no pending action") {
		t.Errorf("second use should be rejected: %q", reply)
	}
	if h.drive.deleteCount() != 1 {
		t.Fatalf("delete ran %d times, want 1", h.drive.deleteCount())
	}
}

func TestConfirm_ExpiredCode(t *testing.T) {
	h := newHarness(t)

	code := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))
	h.advance(5*time.Minute + time.Second)
	reply := h.send(t, alice, code)

	if !strings.Contains(reply, "expired") {
		t.Errorf("expected expiry phrasing: %q", reply)
	}
	if h.drive.deleteCount() != 0 {
		t.Fatal("expired confirmation still executed")
	}
}

func TestConfirm_CrossUserCodeNeverResolves(t *testing.T) {
	h := newHarness(t)

	code := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))
	reply := h.send(t, "@mallory:example.com", code)

	if !strings.Contains(reply, "no pending action") {
		t.Errorf("cross-user code should be unknown: %q", reply)
	}
	if h.drive.deleteCount() != 0 {
		t.Fatal("cross-user confirmation executed a delete")
	}

	// Alice's own ticket is unharmed.
	h.send(t, alice, code)
	if h.drive.deleteCount() != 1 {
		t.Fatal("legitimate confirmation no longer works")
	}
}

func TestMove_ConfirmedEndToEnd(t *testing.T) {
	h := newHarness(t)

	code := extractCode(t, h.send(t, alice, "MOVE /a.pdf TO /Archive"))
	h.send(t, alice, code)

	if len(h.drive.moves) != 1 || h.drive.moves[0] != [2]string{"/a.pdf", "/Archive"} {
		t.Fatalf("unexpected moves: %v", h.drive.moves)
	}
}

func TestRateLimit_DeniesOverQuota(t *testing.T) {
	h := newHarness(t)
	h.drive.entries["/"] = []drive.Entry{}

	for i := 0; i < ratelimit.DefaultLimit; i++ {
		if reply := h.send(t, alice, "LIST /"); strings.Contains(reply, "limit") {
			t.Fatalf("denied at call %d: %q", i+1, reply)
		}
	}
	reply := h.send(t, alice, "LIST /")
	if !strings.Contains(reply, "limit") {
		t.Fatalf("over-quota call not denied: %q", reply)
	}

	stats, err := h.log.StatsFor(context.Background(), alice)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if stats.OutcomeCounts["denied"] != 1 {
		t.Errorf("denial not audited: %v", stats.OutcomeCounts)
	}
}

func TestRateLimit_HelpIsNotBilled(t *testing.T) {
	h := newHarness(t)
	h.drive.entries["/"] = []drive.Entry{}

	for i := 0; i < ratelimit.DefaultLimit*2; i++ {
		h.send(t, alice, "help")
	}
	if reply := h.send(t, alice, "LIST /"); strings.Contains(reply, "limit") {
		t.Fatalf("help calls consumed quota: %q", reply)
	}
}

func TestSummary_SingleFile(t *testing.T) {
	h := newHarness(t)
	h.drive.content["/notes.txt"] = []byte("meeting notes")

	reply := h.send(t, alice, "SUMMARY /notes.txt")
	if !strings.Contains(reply, "summary of /notes.txt") {
		t.Errorf("unexpected summary reply: %q", reply)
	}
}

func TestSummary_FolderCapsAtFiveFiles(t *testing.T) {
	h := newHarness(t)
	var entries []drive.Entry
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("f%d.txt", i)
		path := "/docs/" + name
		entries = append(entries, drive.Entry{Name: name, Path: path})
		h.drive.content[path] = []byte("text")
	}
	h.drive.entries["/docs"] = entries

	reply := h.send(t, alice, "SUMMARY /docs")
	if got := strings.Count(reply, "summary of f"); got != 5 {
		t.Errorf("summarized %d files, want 5: %q", got, reply)
	}
}

func TestFailure_RawErrorNotRelayed(t *testing.T) {
	h := newHarness(t)
	h.drive.failAll = errors.New("dial tcp 10.0.0.7:443: connection refused (token=secret123)")

	reply := h.send(t, alice, "LIST /ProjectX")
	if strings.Contains(reply, "secret123") || strings.Contains(reply, "10.0.0.7") {
		t.Fatalf("raw error leaked to user: %q", reply)
	}

	// Full detail is preserved in the audit record.
	stats, err := h.log.StatsFor(context.Background(), alice)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if !strings.Contains(stats.Recent[0].Detail, "connection refused") {
		t.Errorf("audit detail lost the real error: %q", stats.Recent[0].Detail)
	}
	// Configured credentials are scrubbed even from the audit detail.
	if strings.Contains(stats.Recent[0].Detail, "secret123") {
		t.Errorf("credential leaked into audit detail: %q", stats.Recent[0].Detail)
	}
}

func TestEveryDispatchWritesExactlyOneAuditRecord(t *testing.T) {
	h := newHarness(t)
	h.drive.entries["/"] = []drive.Entry{}

	msgs := []string{
		"help",
		"banana",
		"LIST /",
		"LIST /missing",
		"DELETE /x.pdf",
		"deadbeef0000", // unknown code
		"MOVE /a TO /b",
		"SUMMARY /nope",
	}
	for i, m := range msgs {
		h.send(t, alice, m)
		if got := h.auditCount(t); got != i+1 {
			t.Fatalf("after %q: %d audit records, want %d", m, got, i+1)
		}
	}
}

func TestReissue_InvalidatesPriorCode(t *testing.T) {
	h := newHarness(t)

	first := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))
	second := extractCode(t, h.send(t, alice, "DELETE /x.pdf"))

	if reply := h.send(t, alice, first); !strings.Contains(reply, "no pending action") {
		t.Errorf("stale code should not resolve: %q", reply)
	}
	h.send(t, alice, second)
	if h.drive.deleteCount() != 1 {
		t.Fatalf("delete ran %d times, want 1", h.drive.deleteCount())
	}
}

func TestConcurrentDispatches_AuditStaysConsistent(t *testing.T) {
	h := newHarness(t)
	h.drive.entries["/"] = []drive.Entry{}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("@user%d:example.com", i)
			h.send(t, user, "LIST /")
		}(i)
	}
	wg.Wait()

	if got := h.auditCount(t); got != n {
		t.Errorf("%d audit records, want %d", got, n)
	}
}
