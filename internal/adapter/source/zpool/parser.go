package zpool

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/V4T54L/zpool-watch/internal/domain"
)

const (
	maxLineSize  = 1 << 20
	nestedNVList = "(embedded nvlist)"
)

// scanRecords parses the output of `zpool events -H -v` and calls emit for
// every record. A record starts with an unindented header line
// ("Feb  5 2023 00:24:01.695934806\tsysevent.fs.zfs.scrub_start") followed
// by indented "key = value" lines, and ends at a blank line or the next
// header. Embedded nvlists ("detector = (embedded nvlist)" ... "(end
// detector)") and nvlist arrays are skipped: only top-level fields are kept.
// Scanning stops early when emit returns false.
func scanRecords(r io.Reader, emit func(domain.RawEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var cur domain.RawEvent
	depth := 0
	flush := func() bool {
		depth = 0
		if cur == nil {
			return true
		}
		ev := cur
		cur = nil
		return emit(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.TrimSpace(line) == "":
			if !flush() {
				return nil
			}
		case line[0] != ' ' && line[0] != '\t':
			if !flush() {
				return nil
			}
			cur = parseHeader(line)
		default:
			if cur == nil {
				// Detail lines with no header; keep them so the classifier
				// can reject the record instead of losing it silently.
				cur = domain.RawEvent{}
			}
			trimmed := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(trimmed, "(start "):
				depth++
				continue
			case strings.HasPrefix(trimmed, "(end "):
				if depth > 0 {
					depth--
				}
				continue
			}
			key, value, ok := parseField(line)
			if !ok {
				continue
			}
			if value == nestedNVList {
				depth++
				continue
			}
			if depth > 0 {
				continue
			}
			if _, exists := cur[key]; !exists {
				cur[key] = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	flush()
	return nil
}

// parseHeader splits a header line into its timestamp and class.
func parseHeader(line string) domain.RawEvent {
	ev := domain.RawEvent{}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ev
	}
	class := fields[len(fields)-1]
	if strings.Contains(class, ".") {
		ev[domain.KeyClass] = class
		fields = fields[:len(fields)-1]
	}
	if len(fields) > 0 {
		ev[domain.KeyTimestamp] = strings.Join(fields, " ")
	}
	return ev
}

// parseField parses an indented "key = value" line.
func parseField(line string) (string, string, bool) {
	key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(value)), true
}

func unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s[1 : len(s)-1]
}

// parseEID returns the numeric event id of ev, if it carries one.
func parseEID(ev domain.RawEvent) (uint64, bool) {
	raw, ok := ev[domain.KeyEID]
	if !ok {
		return 0, false
	}
	eid, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 64)
	if err != nil {
		return 0, false
	}
	return eid, true
}
