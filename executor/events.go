package executor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dutrun/dutrun/comms"
)

// EventKind is what a test reported.
type EventKind int

const (
	EventSubtestStart EventKind = iota + 1
	EventSubtestResult
	EventDynamicSubtestStart
	EventDynamicSubtestResult
	EventLog
	// EventOther carries packets without bookkeeping meaning
	EventOther
)

// Event is one report from a test, whichever way it was sent.
type Event struct {
	Kind     EventKind
	Name     string
	Result   string
	TimeUsed string
	Text     string
	// Packet and its encoding, for events that arrived over comms
	Packet *comms.Packet
	Raw    []byte
}

// EventSource turns the bytes of one channel into events.
type EventSource interface {
	Feed(data []byte) ([]Event, error)
}

// Textual markers printed on stdout by tests that do not use comms.
const (
	markerStartSubtest   = "Starting subtest: "
	markerStartDynamic   = "Starting dynamic subtest: "
	markerSubtestResult  = "Subtest "
	markerDynamicResult  = "Dynamic subtest "
	maxPartialLineLength = 64 * 1024
)

// textSource scans stdout line by line for the textual markers.
type textSource struct {
	partial []byte
}

func (s *textSource) Feed(data []byte) ([]Event, error) {
	s.partial = append(s.partial, data...)
	var events []Event
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(s.partial[:i]), "\r")
		s.partial = s.partial[i+1:]
		if ev, ok := parseMarkerLine(line); ok {
			events = append(events, ev)
		}
	}
	if len(s.partial) > maxPartialLineLength {
		s.partial = nil
	}
	return events, nil
}

func parseMarkerLine(line string) (Event, bool) {
	switch {
	case strings.HasPrefix(line, markerStartDynamic):
		name := strings.TrimSpace(line[len(markerStartDynamic):])
		return Event{Kind: EventDynamicSubtestStart, Name: name}, name != ""
	case strings.HasPrefix(line, markerStartSubtest):
		name := strings.TrimSpace(line[len(markerStartSubtest):])
		return Event{Kind: EventSubtestStart, Name: name}, name != ""
	case strings.HasPrefix(line, markerDynamicResult):
		return parseResultLine(EventDynamicSubtestResult, line[len(markerDynamicResult):])
	case strings.HasPrefix(line, markerSubtestResult):
		return parseResultLine(EventSubtestResult, line[len(markerSubtestResult):])
	}
	return Event{}, false
}

// parseResultLine parses "name: RESULT (1.234s)".
func parseResultLine(kind EventKind, rest string) (Event, bool) {
	i := strings.LastIndex(rest, ": ")
	if i <= 0 {
		return Event{}, false
	}
	ev := Event{Kind: kind, Name: rest[:i]}
	tail := rest[i+2:]
	if j := strings.Index(tail, " ("); j >= 0 && strings.HasSuffix(tail, ")") {
		ev.Result = tail[:j]
		ev.TimeUsed = strings.TrimSuffix(tail[j+2:], ")")
	} else {
		ev.Result = tail
	}
	if ev.Result == "" || strings.ContainsRune(ev.Result, ' ') {
		return Event{}, false
	}
	return ev, true
}

// packetSource decodes one comms datagram at a time.
type packetSource struct{}

func (packetSource) Feed(data []byte) ([]Event, error) {
	p, n, err := comms.Decode(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%d bytes left after %v packet", len(data)-n, p.Type)
	}
	return []Event{packetEvent(p, data)}, nil
}

func packetEvent(p comms.Packet, raw []byte) Event {
	ev := Event{Packet: &p, Raw: raw, Name: p.Name, Result: p.Result, TimeUsed: p.TimeUsed, Text: p.Text}
	switch p.Type {
	case comms.PacketSubtestStart:
		ev.Kind = EventSubtestStart
	case comms.PacketSubtestResult:
		ev.Kind = EventSubtestResult
	case comms.PacketDynamicSubtestStart:
		ev.Kind = EventDynamicSubtestStart
	case comms.PacketDynamicSubtestResult:
		ev.Kind = EventDynamicSubtestResult
	case comms.PacketLog:
		ev.Kind = EventLog
	default:
		ev.Kind = EventOther
	}
	return ev
}
