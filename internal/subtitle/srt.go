// Package subtitle parses SRT cue blocks and merges per-chunk transcripts into
// a single document on the timeline of the unsplit audio.
package subtitle

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cue is one timed caption entry.
type Cue struct {
	Index int
	Start time.Duration
	End   time.Duration
	Text  string
}

// ParseError points at the offending line (1-based) of the input text.
type ParseError struct {
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Parse splits SRT text into cues. Either ',' or '.' is accepted before the
// fractional seconds, and anything after the end timestamp (cue settings) is
// ignored. Zero-length cues and cues without text lines are kept as returned
// by the service; only a cue that ends before it starts is rejected.
func Parse(text string) ([]Cue, error) {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")

	var cues []Cue
	for i := 0; i < len(lines); {
		if strings.TrimSpace(lines[i]) == "" {
			i++
			continue
		}

		indexLine := strings.TrimSpace(lines[i])
		index, err := strconv.Atoi(indexLine)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Reason: fmt.Sprintf("expected cue number, got %q", indexLine)}
		}
		i++
		if i >= len(lines) {
			return nil, &ParseError{Line: i, Reason: "cue number without timing line"}
		}

		start, end, err := parseTimingLine(lines[i])
		if err != nil {
			return nil, &ParseError{Line: i + 1, Reason: err.Error()}
		}
		if end < start {
			return nil, &ParseError{Line: i + 1, Reason: "cue ends before it starts"}
		}
		i++

		var body []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			body = append(body, strings.TrimRight(lines[i], " \t"))
			i++
		}
		cues = append(cues, Cue{Index: index, Start: start, End: end, Text: strings.Join(body, "\n")})
	}
	return cues, nil
}

func parseTimingLine(line string) (time.Duration, time.Duration, error) {
	parts := strings.Split(line, "-->")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected \"<start> --> <end>\", got %q", strings.TrimSpace(line))
	}
	start, err := ParseTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return 0, 0, fmt.Errorf("missing end timestamp")
	}
	end, err := ParseTimestamp(endFields[0])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseTimestamp reads [HH:]MM:SS[,.]fff with one to nine fraction digits.
func ParseTimestamp(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	clock, fraction := value, ""
	if idx := strings.IndexAny(value, ",."); idx >= 0 {
		clock, fraction = value[:idx], value[idx+1:]
		if fraction == "" || len(fraction) > 9 {
			return 0, fmt.Errorf("invalid timestamp %q", value)
		}
	}

	fields := strings.Split(clock, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	if len(fields) == 2 {
		fields = append([]string{"0"}, fields...)
	}
	hours, errH := parseUnsigned(fields[0])
	minutes, errM := parseUnsigned(fields[1])
	seconds, errS := parseUnsigned(fields[2])
	if errH != nil || errM != nil || errS != nil || minutes >= 60 || seconds >= 60 {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}

	var nanos int64
	if fraction != "" {
		n, err := parseUnsigned(fraction)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", value)
		}
		for i := len(fraction); i < 9; i++ {
			n *= 10
		}
		nanos = n
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(nanos), nil
}

func parseUnsigned(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty field")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit %q", r)
		}
	}
	return strconv.ParseInt(s, 10, 64)
}

// FormatTimestamp renders d as HH:MM:SS<sep>mmm, rounding to the nearest
// millisecond.
func FormatTimestamp(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	ms := int64((d + 500*time.Microsecond) / time.Millisecond)
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// Format serialises cues in order, numbering them from 1 regardless of their
// Index field. Blocks are separated by one blank line.
func Format(cues []Cue, sep byte) []byte {
	var b strings.Builder
	for i, cue := range cues {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteByte('\n')
		b.WriteString(FormatTimestamp(cue.Start, sep))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(cue.End, sep))
		b.WriteByte('\n')
		if cue.Text != "" {
			b.WriteString(cue.Text)
			b.WriteByte('\n')
		}
	}
	return []byte(b.String())
}
