package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"
)

const wavHeaderSize = 44

// WAVHeaderSize is the fixed header length of every WAV file the pipeline
// writes; chunk ceilings count it against the payload.
const WAVHeaderSize = wavHeaderSize

// PCMFormat describes interleaved little-endian signed PCM.
type PCMFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz mono 16-bit, the usual input for speech models.
var DefaultFormat = PCMFormat{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f PCMFormat) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f PCMFormat) ByteRate() int64 {
	return int64(f.SampleRate) * int64(f.BlockAlign())
}

// Duration converts a payload byte count to playback time without floating
// point so offsets summed across chunks stay exact.
func (f PCMFormat) Duration(payloadBytes int64) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 || payloadBytes <= 0 {
		return 0
	}
	whole := payloadBytes / rate
	rem := payloadBytes % rate
	return time.Duration(whole)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}

// Bytes estimates the payload size of d worth of audio.
func (f PCMFormat) Bytes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	whole := int64(d / time.Second)
	rem := int64(d % time.Second)
	return whole*f.ByteRate() + rem*f.ByteRate()/int64(time.Second)
}

func (f PCMFormat) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("invalid pcm format %+v", f)
	}
	if f.BitsPerSample != 8 && f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32 {
		return fmt.Errorf("unsupported bits per sample %d", f.BitsPerSample)
	}
	return nil
}

func encodeWAVHeader(f PCMFormat, payloadBytes int64) []byte {
	size := uint32(math.MaxUint32)
	if payloadBytes+wavHeaderSize-8 < math.MaxUint32 {
		size = uint32(payloadBytes + wavHeaderSize - 8)
	}
	data := uint32(math.MaxUint32)
	if payloadBytes < math.MaxUint32 {
		data = uint32(payloadBytes)
	}

	h := make([]byte, wavHeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], size)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.ByteRate()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], data)
	return h
}

// wavWriter streams a PCM payload into a WAV file. The header is written as a
// placeholder and patched with the final sizes on Close.
type wavWriter struct {
	file    *os.File
	format  PCMFormat
	written int64
}

func createWAV(path string, format PCMFormat) (*wavWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(encodeWAVHeader(format, 0)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &wavWriter{file: f, format: format}, nil
}

func (w *wavWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *wavWriter) Close() error {
	if _, err := w.file.WriteAt(encodeWAVHeader(w.format, w.written), 0); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *wavWriter) FileSize() int64 {
	return wavHeaderSize + w.written
}

// wavInfo is what readWAVHeader learns about a file before its payload.
type wavInfo struct {
	Format PCMFormat
	// DataBytes is the declared payload size; -1 when the writer left it unset.
	DataBytes int64
}

var errNotWAV = errors.New("not a RIFF/WAVE file")

// readWAVHeader consumes r up to the first byte of the data chunk payload.
func readWAVHeader(r io.Reader) (wavInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavInfo{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return wavInfo{}, errNotWAV
	}

	var info wavInfo
	haveFormat := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return wavInfo{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return wavInfo{}, fmt.Errorf("fmt chunk too short: %d", size)
			}
			body := make([]byte, size+size%2)
			if _, err := io.ReadFull(r, body); err != nil {
				return wavInfo{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 && tag != 0xFFFE {
				return wavInfo{}, fmt.Errorf("unsupported wav encoding tag %#x", tag)
			}
			info.Format = PCMFormat{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			if err := info.Format.validate(); err != nil {
				return wavInfo{}, err
			}
			haveFormat = true
		case "data":
			if !haveFormat {
				return wavInfo{}, errors.New("data chunk before fmt chunk")
			}
			info.DataBytes = size
			if size == 0 || size == math.MaxUint32 {
				info.DataBytes = -1
			}
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return wavInfo{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
