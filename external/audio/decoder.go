package audio

import (
	"mime"
	"strings"

	"github.com/foxseedlab/kikitori/internal/audio"
)

type codecKind int

const (
	codecUnknown codecKind = iota
	codecContainer
	codecPCM
	codecRawOpus
)

func NewDecoder(format audio.Format) (audio.Decoder, error) {
	switch resolveCodec(format.Codec) {
	case codecContainer:
		return &passthroughDecoder{out: audio.Output{
			Encoding:   audio.EncodingContainer,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}}, nil
	case codecPCM:
		return &passthroughDecoder{out: audio.Output{
			Encoding:   audio.EncodingLinear16,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}}, nil
	case codecRawOpus:
		return newOpusDecoder(format)
	default:
		return nil, audio.UnsupportedCodecError(format.Codec)
	}
}

// resolveCodec accepts MIME strings as browsers report them, e.g. "audio/webm;codecs=opus".
func resolveCodec(codec string) codecKind {
	raw := strings.ToLower(strings.TrimSpace(codec))
	mediaType, params, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType, _, _ = strings.Cut(raw, ";")
		mediaType = strings.TrimSpace(mediaType)
	}
	switch mediaType {
	case "audio/webm", "video/webm", "audio/ogg":
		if c := params["codecs"]; c != "" && c != "opus" {
			return codecUnknown
		}
		return codecContainer
	case "audio/pcm", "audio/l16", "audio/x-raw", "pcm_s16le", "linear16":
		return codecPCM
	case "audio/opus":
		return codecRawOpus
	default:
		return codecUnknown
	}
}

type passthroughDecoder struct {
	out audio.Output
}

func (d *passthroughDecoder) Decode(chunk []byte) ([]byte, error) {
	return chunk, nil
}

func (d *passthroughDecoder) Output() audio.Output {
	return d.out
}

func (d *passthroughDecoder) Close() {}
