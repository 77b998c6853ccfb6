package detect

import (
	"context"
	"testing"
	"time"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
)

func contentSettings() db.ContentSettings {
	return db.ContentSettings{
		Enabled:      true,
		BlockInvites: true,
	}
}

func TestContentDomainWhitelistOverridesBlacklist(t *testing.T) {
	t.Parallel()

	d := NewContentFilterDetector()
	ctx := context.Background()
	settings := contentSettings()
	settings.DomainBlacklist = []string{"example.com"}
	settings.DomainWhitelist = []string{"good.example.com"}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "whitelisted subdomain passes", text: "see https://good.example.com/page", want: false},
		{name: "blacklisted apex matches", text: "see https://example.com/x", want: true},
		{name: "blacklisted subdomain matches", text: "see https://evil.example.com/x", want: true},
		{name: "unrelated domain passes", text: "see https://other.org/x", want: false},
		{name: "no url passes", text: "nothing here", want: false},
	}
	for _, tt := range tests {
		ev := messageEvent(1, 100, tt.text, base)
		got := d.Evaluate(ctx, ev, settings) != nil
		if got != tt.want {
			t.Errorf("%s: match=%v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestContentBannedWordLongestMatchWins(t *testing.T) {
	t.Parallel()

	d := NewContentFilterDetector()
	ctx := context.Background()
	settings := contentSettings()
	settings.BannedWords = []string{"scam", "scammer"}

	ev := messageEvent(1, 100, "that guy is a SCAMMER", time.Now())
	f := d.Evaluate(ctx, ev, settings)
	if f == nil {
		t.Fatal("expected banned-word finding")
	}
	if f.Cause != "banned_word" {
		t.Fatalf("unexpected cause %q", f.Cause)
	}
	if f.Evidence != `banned term "scammer"` {
		t.Fatalf("longest match should win, got evidence %q", f.Evidence)
	}
}

func TestContentRuleOrderFirstMatchOnly(t *testing.T) {
	t.Parallel()

	d := NewContentFilterDetector()
	ctx := context.Background()
	settings := contentSettings()
	settings.BannedWords = []string{"free"}
	settings.DomainBlacklist = []string{"bad.io"}

	// Message trips the word rule, the invite rule and the domain rule at
	// once; only the highest-priority one reports.
	ev := messageEvent(1, 100, "free nitro discord.gg/abc https://bad.io/x", time.Now())
	f := d.Evaluate(ctx, ev, settings)
	if f == nil {
		t.Fatal("expected finding")
	}
	if f.Cause != "banned_word" {
		t.Fatalf("expected banned_word to take priority, got %q", f.Cause)
	}
}

func TestContentInviteDetection(t *testing.T) {
	t.Parallel()

	d := NewContentFilterDetector()
	ctx := context.Background()

	f := d.Evaluate(ctx, messageEvent(1, 100, "join discord.gg/abc123", time.Now()), contentSettings())
	if f == nil || f.Cause != "invite" {
		t.Fatalf("expected invite finding, got %+v", f)
	}

	settings := contentSettings()
	settings.BlockInvites = false
	if f := d.Evaluate(ctx, messageEvent(1, 100, "join discord.gg/abc123", time.Now()), settings); f != nil {
		t.Fatalf("invites allowed but got finding: %+v", f)
	}
}

func TestContentAttachmentPolicy(t *testing.T) {
	t.Parallel()

	d := NewContentFilterDetector()
	ctx := context.Background()
	settings := contentSettings()
	settings.BlockedExtensions = []string{".exe"}
	settings.MaxAttachmentBytes = 1024

	ev := &event.Event{
		Kind:        event.KindMessageSent,
		CommunityID: 1,
		UserID:      100,
		OccurredAt:  time.Now(),
		Message: &event.Message{
			Text:        "look",
			Attachments: []event.Attachment{{FileName: "setup.EXE", SizeBytes: 10}},
		},
	}
	f := d.Evaluate(ctx, ev, settings)
	if f == nil || f.Cause != "attachment" {
		t.Fatalf("expected attachment finding, got %+v", f)
	}

	ev.Message.Attachments = []event.Attachment{{FileName: "notes.txt", SizeBytes: 4096}}
	f = d.Evaluate(ctx, ev, settings)
	if f == nil || f.Cause != "attachment" {
		t.Fatalf("expected oversize attachment finding, got %+v", f)
	}

	ev.Message.Attachments = []event.Attachment{{FileName: "notes.txt", SizeBytes: 100}}
	if f := d.Evaluate(ctx, ev, settings); f != nil {
		t.Fatalf("benign attachment flagged: %+v", f)
	}
}
