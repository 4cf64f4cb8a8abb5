package results

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MarkerKind classifies terminal journal lines.
type MarkerKind string

const (
	MarkerExit    MarkerKind = "exit"
	MarkerTimeout MarkerKind = "timeout"
	MarkerKilled  MarkerKind = "killed"
)

// Kill tags written after a kill that must not count as a timeout.
const (
	KilledTaint     = "taint"
	KilledDiskLimit = "disk-limit"
)

// Marker is a parsed terminal journal line.
type Marker struct {
	Kind MarkerKind
	// Exit code for exit and timeout markers
	Code int
	// Kill tag for killed markers
	Tag      string
	Duration time.Duration
}

func (m Marker) String() string {
	switch m.Kind {
	case MarkerKilled:
		return fmt.Sprintf("%s:%s (%s)", m.Kind, m.Tag, formatSeconds(m.Duration))
	default:
		return fmt.Sprintf("%s:%d (%s)", m.Kind, m.Code, formatSeconds(m.Duration))
	}
}

// ExitMarker is the journal line of a test that ran to completion.
func ExitMarker(code int, d time.Duration) string {
	return Marker{Kind: MarkerExit, Code: code, Duration: d}.String()
}

// TimeoutMarker is the journal line of a test killed for running too long.
func TimeoutMarker(code int, d time.Duration) string {
	return Marker{Kind: MarkerTimeout, Code: code, Duration: d}.String()
}

// KilledMarker is the journal line of a test killed for another reason.
func KilledMarker(tag string, d time.Duration) string {
	return Marker{Kind: MarkerKilled, Tag: tag, Duration: d}.String()
}

// FormatSeconds renders d the way journal markers and exit packets carry it.
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// ParseSeconds is the inverse of FormatSeconds; malformed values read as zero.
func ParseSeconds(s string) time.Duration {
	secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func formatSeconds(d time.Duration) string {
	return FormatSeconds(d) + "s"
}

// JournalLine is one journal entry: a started subtest or a terminal marker.
type JournalLine struct {
	Subtest string
	Marker  *Marker
}

// ParseJournal splits journal data into entries. Blank lines are skipped.
func ParseJournal(data []byte) []JournalLine {
	var lines []JournalLine
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if m, ok := ParseMarker(line); ok {
			lines = append(lines, JournalLine{Marker: &m})
			continue
		}
		lines = append(lines, JournalLine{Subtest: line})
	}
	return lines
}

// ParseMarker parses a terminal marker line like "exit:0 (1.234s)".
func ParseMarker(line string) (Marker, bool) {
	kind, rest, ok := strings.Cut(line, ":")
	if !ok {
		return Marker{}, false
	}
	switch MarkerKind(kind) {
	case MarkerExit, MarkerTimeout, MarkerKilled:
	default:
		return Marker{}, false
	}
	value, dur, ok := strings.Cut(rest, " (")
	if !ok || !strings.HasSuffix(dur, "s)") {
		return Marker{}, false
	}
	secs, err := strconv.ParseFloat(strings.TrimSuffix(dur, "s)"), 64)
	if err != nil {
		return Marker{}, false
	}
	m := Marker{Kind: MarkerKind(kind), Duration: time.Duration(secs * float64(time.Second))}
	if m.Kind == MarkerKilled {
		m.Tag = value
		return m, value != ""
	}
	code, err := strconv.Atoi(value)
	if err != nil {
		return Marker{}, false
	}
	m.Code = code
	return m, true
}
