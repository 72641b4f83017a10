package notify_test

import (
	"context"
	"strings"
	"testing"

	"github.com/bdobrica/fumiko/internal/fumiko/notify"
)

// fakeSender records notices for assertion.
type fakeSender struct {
	notices []string
}

func (f *fakeSender) SendNotice(_, msg string) error {
	f.notices = append(f.notices, msg)
	return nil
}

func TestMatrixNotifier_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewMatrixNotifier(sender, "!room:example.com")

	n.Notify(context.Background(), notify.Event{
		Kind:    notify.KindFileDeleted,
		Actor:   "@alice:example.com",
		Target:  "/ProjectX/report.pdf",
		Message: "deleted",
		TraceID: "t_abc123",
	})

	if len(sender.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.notices))
	}
	msg := sender.notices[0]
	for _, want := range []string{"/ProjectX/report.pdf", "deleted", "t_abc123", "@alice:example.com"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q: %q", want, msg)
		}
	}
}

func TestMatrixNotifier_NoopWhenEmptyRoom(t *testing.T) {
	sender := &fakeSender{}
	n := notify.NewMatrixNotifier(sender, "")

	n.Notify(context.Background(), notify.Event{
		Kind:    notify.KindFileMoved,
		Message: "moved",
	})

	if len(sender.notices) != 0 {
		t.Fatalf("expected no notices for empty room, got %d", len(sender.notices))
	}
}

func TestNoop(t *testing.T) {
	// Must not panic.
	notify.Noop{}.Notify(context.Background(), notify.Event{Kind: notify.KindError, Message: "boom"})
}
