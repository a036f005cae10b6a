package subtitle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MergeError reports cue text from the remote service that could not be
// parsed.
type MergeError struct {
	ChunkIndex int
	Line       int
	Reason     string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge chunk %d: line %d: %s", e.ChunkIndex, e.Line, e.Reason)
}

// Merger accumulates per-chunk transcripts in chunk order. Each chunk's cues
// are shifted by the summed playback duration of the chunks before it.
type Merger struct {
	sep    byte
	offset time.Duration
	cues   []Cue
	chunks int
}

func NewMerger(separator string) *Merger {
	sep := byte(',')
	if separator == "." {
		sep = '.'
	}
	return &Merger{sep: sep}
}

// Append adds one chunk's subtitle text. duration must be the chunk's decoded
// playback length. On error the merger is left unchanged.
func (m *Merger) Append(chunkIndex int, text string, duration time.Duration) error {
	cues, err := Parse(text)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return &MergeError{ChunkIndex: chunkIndex, Line: pe.Line, Reason: pe.Reason}
		}
		return &MergeError{ChunkIndex: chunkIndex, Reason: err.Error()}
	}
	for _, cue := range cues {
		cue.Start += m.offset
		cue.End += m.offset
		m.cues = append(m.cues, cue)
	}
	m.offset += duration
	m.chunks++
	return nil
}

// Offset is the timeline position the next appended chunk will start at.
func (m *Merger) Offset() time.Duration {
	return m.offset
}

func (m *Merger) Cues() []Cue {
	return append([]Cue(nil), m.cues...)
}

func (m *Merger) Chunks() int {
	return m.chunks
}

// Bytes renders the merged document with globally contiguous numbering.
func (m *Merger) Bytes() []byte {
	return Format(m.cues, m.sep)
}

// WriteFile atomically replaces path with the merged document.
func (m *Merger) WriteFile(path string) error {
	return WriteFileAtomic(path, m.Bytes())
}

// OutputPathFor swaps the source extension for .srt next to the source.
func OutputPathFor(source string) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + ".srt"
}

// WriteFileAtomic writes data to a temp file beside path and renames it into
// place, so path never holds a partial document.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp subtitle: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp subtitle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp subtitle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp subtitle: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp subtitle: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("finalize subtitle: %w", err)
	}
	committed = true
	return nil
}
