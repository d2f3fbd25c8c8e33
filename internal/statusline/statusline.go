// Package statusline parses the tagged stderr lines filters and
// backends emit during processing (spec §4.C): INFO:, WARNING:,
// ERROR:, PAGE:, STATE:, ATTR:, PPD:. Unrecognized lines are preserved
// verbatim and appended to the job's log instead of being dropped.
// Grounded on agent/spooler/watcher_unix.go's bufio.Scanner-over-a-
// fixed-line-grammar parse of lpstat's tagged output, adapted from
// polling an external command to reading a filter's own stderr stream.
package statusline

import (
	"bufio"
	"io"
	"strings"
)

// Kind identifies which tag produced a Record.
type Kind int

const (
	KindInfo Kind = iota
	KindWarning
	KindError
	KindPage
	KindState
	KindAttr
	KindPPD
	KindUnrecognized
)

var tagPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"INFO:", KindInfo},
	{"WARNING:", KindWarning},
	{"ERROR:", KindError},
	{"PAGE:", KindPage},
	{"STATE:", KindState},
	{"ATTR:", KindAttr},
	{"PPD:", KindPPD},
}

// Record is one parsed status line.
type Record struct {
	Kind    Kind
	Payload string // the line with the recognized tag stripped and trimmed
	Raw     string
}

// Parse classifies a single line (without trailing newline).
func Parse(line string) Record {
	for _, tp := range tagPrefixes {
		if strings.HasPrefix(line, tp.prefix) {
			return Record{
				Kind:    tp.kind,
				Payload: strings.TrimSpace(strings.TrimPrefix(line, tp.prefix)),
				Raw:     line,
			}
		}
	}
	return Record{Kind: KindUnrecognized, Payload: line, Raw: line}
}

// StateReasons splits a STATE: payload ("+paused -toner-low") into
// added and removed reason codes.
func StateReasons(payload string) (added, removed []string) {
	for _, tok := range strings.Fields(payload) {
		switch {
		case strings.HasPrefix(tok, "+"):
			added = append(added, strings.TrimPrefix(tok, "+"))
		case strings.HasPrefix(tok, "-"):
			removed = append(removed, strings.TrimPrefix(tok, "-"))
		default:
			added = append(added, tok)
		}
	}
	return added, removed
}

// AttrKeyValue splits an ATTR: payload ("marker-levels=42,17") into
// its key and raw value string.
func AttrKeyValue(payload string) (key, value string, ok bool) {
	idx := strings.IndexByte(payload, '=')
	if idx < 0 {
		return "", "", false
	}
	return payload[:idx], payload[idx+1:], true
}

// Reader consumes a child process's stderr stream line by line,
// invoking handle for every parsed Record until EOF or an I/O error.
type Reader struct {
	scanner *bufio.Scanner
	handle  func(Record)
}

// NewReader wraps r, calling handle for each line read from it.
func NewReader(r io.Reader, handle func(Record)) *Reader {
	return &Reader{scanner: bufio.NewScanner(r), handle: handle}
}

// Run blocks reading lines until EOF, returning any scan error.
func (sr *Reader) Run() error {
	for sr.scanner.Scan() {
		sr.handle(Parse(sr.scanner.Text()))
	}
	return sr.scanner.Err()
}
