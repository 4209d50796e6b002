package audio

import (
	"errors"
	"fmt"
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

type Encoding string

const (
	// EncodingLinear16 is raw little-endian 16-bit PCM.
	EncodingLinear16 Encoding = "linear16"
	// EncodingContainer is a self-describing container (WebM or Ogg) the engine detects itself.
	EncodingContainer Encoding = "container"
)

// Format describes audio as announced by the client.
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
}

// Output describes what a Decoder hands to the transcription engine.
type Output struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
}

type Decoder interface {
	Decode(chunk []byte) ([]byte, error)
	Output() Output
	Close()
}

type DecoderFactory func(format Format) (Decoder, error)

func UnsupportedCodecError(codec string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}
