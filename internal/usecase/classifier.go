package usecase

import (
	"fmt"
	"strings"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

const (
	// GlobalRateLimitKey is shared by all notable events unless per-class
	// rate limiting is enabled.
	GlobalRateLimitKey = "global"

	ScrubFinishClass = "sysevent.fs.zfs.scrub_finish"
)

// summaryKeys are rendered after the class, in this order, when present.
var summaryKeys = []string{
	domain.KeyPool,
	"vdev_path",
	"vdev_state",
	"vdev_read_errors",
	"vdev_write_errors",
	"vdev_cksum_errors",
	"zio_err",
}

// IgnoreSet holds event classes, or class prefixes, that never notify.
type IgnoreSet struct {
	entries map[string]struct{}
}

// NewIgnoreSet builds an IgnoreSet. A trailing "*" on an entry is accepted
// and dropped, since every entry already matches as a prefix.
func NewIgnoreSet(classes []string) IgnoreSet {
	entries := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		c = strings.TrimSuffix(strings.TrimSpace(c), "*")
		if c == "" {
			continue
		}
		entries[c] = struct{}{}
	}
	return IgnoreSet{entries: entries}
}

// Match reports whether class equals, or starts with, an entry. Every prefix
// of class is looked up, so the cost depends on the class length only.
func (s IgnoreSet) Match(class string) bool {
	if len(s.entries) == 0 {
		return false
	}
	for i := len(class); i > 0; i-- {
		if _, ok := s.entries[class[:i]]; ok {
			return true
		}
	}
	return false
}

func (s IgnoreSet) Len() int {
	return len(s.entries)
}

// Classifier decides whether an event is worth a notification.
type Classifier struct {
	ignore   IgnoreSet
	perClass bool
}

// NewClassifier creates a Classifier. With perClass set, every event class
// gets its own rate-limit key instead of GlobalRateLimitKey.
func NewClassifier(ignore IgnoreSet, perClass bool) *Classifier {
	return &Classifier{ignore: ignore, perClass: perClass}
}

// Classify returns an error wrapping domain.ErrMalformedEvent when the
// event carries no class. Unknown classes are notable.
func (c *Classifier) Classify(ev domain.RawEvent) (domain.Classification, error) {
	class := ev.Class()
	if class == "" {
		return domain.Classification{}, fmt.Errorf("%w: missing %q key", domain.ErrMalformedEvent, domain.KeyClass)
	}
	if c.ignore.Match(class) {
		return domain.Classification{Verdict: domain.VerdictIgnored, Class: class}, nil
	}

	key := GlobalRateLimitKey
	if c.perClass {
		key = class
	}
	return domain.Classification{
		Verdict:      domain.VerdictNotable,
		Class:        class,
		Summary:      Summarize(class, ev),
		RateLimitKey: key,
	}, nil
}

// Summarize renders class followed by the known detail fields of ev.
func Summarize(class string, ev domain.RawEvent) string {
	var b strings.Builder
	b.WriteString(class)
	for _, k := range summaryKeys {
		v := strings.TrimSpace(ev[k])
		if v == "" {
			continue
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}
