package detect

import (
	"regexp"
	"strings"
	"time"
)

// Finding is a confirmed violation emitted by a detector. The core turns it
// into a durable infraction and routes it either through per-user escalation
// or, when CommunityScoped, through the community protective path.
type Finding struct {
	Category string
	Cause    string
	Weight   int
	Evidence string

	// CommunityScoped marks findings whose subject is the community itself
	// (raid). These never enter per-user escalation.
	CommunityScoped bool

	// LockFor is a recommended temporary community lock, zero when the
	// finding carries no mitigation.
	LockFor time.Duration
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// fingerprint normalizes message text so that trivially mutated repeats
// (case, spacing) map to the same key.
func fingerprint(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	return whitespacePattern.ReplaceAllString(text, " ")
}
