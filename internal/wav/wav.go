package wav

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// HeaderSize is the size of the canonical PCM WAV header in bytes.
const HeaderSize = 44

// MaxPayloadSize is the largest payload a WAV container can declare. The
// RIFF chunk size field holds payload plus 36 bytes of header bookkeeping in
// a uint32, so the payload itself must leave room for that.
const MaxPayloadSize = math.MaxUint32 - 36

// Format describes the fixed PCM stream parameters agreed with the sender
// firmware. All fields are set at startup and never change at runtime.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerSample returns the number of bytes used by one sample.
func (f Format) BytesPerSample() int {
	return f.BitsPerSample / 8
}

// ByteRate returns the number of payload bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.Channels * f.BytesPerSample()
}

// BlockAlign returns the size of one sample frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BytesPerSample()
}

// Validate checks that the format parameters are usable for PCM encoding.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}

	if f.Channels < 1 {
		return fmt.Errorf("channels must be at least 1, got %d", f.Channels)
	}

	if f.BitsPerSample != 8 && f.BitsPerSample != 16 && f.BitsPerSample != 24 && f.BitsPerSample != 32 {
		return fmt.Errorf("bits per sample must be 8, 16, 24 or 32, got %d", f.BitsPerSample)
	}

	return nil
}

// header is the on-disk layout of a PCM WAV header.
type header struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Declared number of payload bytes
}

// EncodeHeader encodes a WAV header declaring payloadSize bytes of PCM data.
// The declared size is a commitment made before the payload exists; callers
// write it up front and append payload bytes behind it.
func EncodeHeader(f Format, payloadSize uint32) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	if payloadSize > MaxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds the WAV container limit of %d bytes", payloadSize, uint32(MaxPayloadSize))
	}

	h := header{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + payloadSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: payloadSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("failed to encode WAV header: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeHeader decodes and validates a WAV header, returning the stream
// format and the declared payload size. Only linear PCM is accepted.
func DecodeHeader(data []byte) (Format, uint32, error) {
	if len(data) < HeaderSize {
		return Format{}, 0, fmt.Errorf("WAV header too short: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	var h header
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return Format{}, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(h.ChunkID[:]) != "RIFF" {
		return Format{}, 0, fmt.Errorf("invalid WAV header: missing RIFF chunk")
	}

	if string(h.Format[:]) != "WAVE" {
		return Format{}, 0, fmt.Errorf("invalid WAV header: missing WAVE format")
	}

	if string(h.Subchunk1ID[:]) != "fmt " {
		return Format{}, 0, fmt.Errorf("invalid WAV header: missing fmt chunk")
	}

	if string(h.Subchunk2ID[:]) != "data" {
		return Format{}, 0, fmt.Errorf("invalid WAV header: missing data chunk")
	}

	if h.AudioFormat != 1 {
		return Format{}, 0, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", h.AudioFormat)
	}

	f := Format{
		SampleRate:    int(h.SampleRate),
		Channels:      int(h.NumChannels),
		BitsPerSample: int(h.BitsPerSample),
	}

	if err := f.Validate(); err != nil {
		return Format{}, 0, fmt.Errorf("invalid WAV header: %w", err)
	}

	return f, h.Subchunk2Size, nil
}
