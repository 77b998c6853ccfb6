package detect

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/modwarden/warden/internal/db"
	"github.com/modwarden/warden/internal/event"
	"github.com/modwarden/warden/internal/observability"
)

const (
	contentCauseBannedWord = "banned_word"
	contentCauseInvite     = "invite"
	contentCauseDomain     = "blocked_domain"
	contentCauseAttachment = "attachment"
)

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s]+`)
	invitePattern = regexp.MustCompile(`discord(?:\.gg|\.com/invite)/[a-zA-Z0-9]+`)
)

// ContentFilterDetector is stateless: every message is judged on its own.
// Rules run in a fixed priority order and only the first match is reported.
type ContentFilterDetector struct{}

func NewContentFilterDetector() *ContentFilterDetector {
	return &ContentFilterDetector{}
}

func (d *ContentFilterDetector) Evaluate(ctx context.Context, ev *event.Event, settings db.ContentSettings) *Finding {
	_ = ctx
	if !settings.Enabled {
		return nil
	}
	switch ev.Kind {
	case event.KindMessageSent, event.KindContentEdited:
	default:
		return nil
	}
	done := observability.StartEvaluation("content")
	defer done()

	text := ev.Text()

	if finding := d.checkBannedWords(text, settings.BannedWords); finding != nil {
		return finding
	}
	if settings.BlockInvites {
		if invite := invitePattern.FindString(text); invite != "" {
			return &Finding{
				Category: db.CategoryContent,
				Cause:    contentCauseInvite,
				Weight:   1,
				Evidence: "invite link detected",
			}
		}
	}
	if finding := d.checkDomains(text, settings); finding != nil {
		return finding
	}
	if ev.Message != nil {
		if finding := d.checkAttachments(ev.Message.Attachments, settings); finding != nil {
			return finding
		}
	}
	return nil
}

// checkBannedWords matches case-insensitive substrings; when terms overlap the
// longest matching term wins.
func (d *ContentFilterDetector) checkBannedWords(text string, words []string) *Finding {
	if len(words) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	best := ""
	for _, word := range words {
		if word == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(word)) && len(word) > len(best) {
			best = word
		}
	}
	if best == "" {
		return nil
	}
	return &Finding{
		Category: db.CategoryContent,
		Cause:    contentCauseBannedWord,
		Weight:   2,
		Evidence: fmt.Sprintf("banned term %q", best),
	}
}

func (d *ContentFilterDetector) checkDomains(text string, settings db.ContentSettings) *Finding {
	if len(settings.DomainBlacklist) == 0 {
		return nil
	}
	for _, raw := range urlPattern.FindAllString(text, -1) {
		host := hostOf(raw)
		if host == "" {
			continue
		}
		// Whitelist overrides blacklist for the same or a more specific domain.
		if matchesDomain(host, settings.DomainWhitelist) {
			continue
		}
		if matchesDomain(host, settings.DomainBlacklist) {
			return &Finding{
				Category: db.CategoryContent,
				Cause:    contentCauseDomain,
				Weight:   2,
				Evidence: fmt.Sprintf("blacklisted domain %q", host),
			}
		}
	}
	return nil
}

func (d *ContentFilterDetector) checkAttachments(attachments []event.Attachment, settings db.ContentSettings) *Finding {
	for _, attachment := range attachments {
		name := strings.ToLower(attachment.FileName)
		for _, ext := range settings.BlockedExtensions {
			if ext != "" && strings.HasSuffix(name, strings.ToLower(ext)) {
				return &Finding{
					Category: db.CategoryContent,
					Cause:    contentCauseAttachment,
					Weight:   2,
					Evidence: fmt.Sprintf("blocked file type %q", ext),
				}
			}
		}
		if settings.MaxAttachmentBytes > 0 && attachment.SizeBytes > settings.MaxAttachmentBytes {
			return &Finding{
				Category: db.CategoryContent,
				Cause:    contentCauseAttachment,
				Weight:   1,
				Evidence: fmt.Sprintf("attachment of %d bytes exceeds limit", attachment.SizeBytes),
			}
		}
	}
	return nil
}

func hostOf(rawURL string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if idx := strings.IndexAny(rest, "/?#"); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.ToLower(rest)
}

func matchesDomain(host string, domains []string) bool {
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
