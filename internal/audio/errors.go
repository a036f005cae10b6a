package audio

import (
	"errors"
	"fmt"
)

// ErrNoAudioStream is wrapped in a DecodeError when the source container has
// nothing to extract.
var ErrNoAudioStream = errors.New("no audio stream")

// DecodeError reports that source media (or the intermediate file) could not
// be opened or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// EncodeError reports a failure writing the intermediate or a chunk file.
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}
