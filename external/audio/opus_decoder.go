//go:build opus

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/foxseedlab/kikitori/internal/audio"
	"github.com/hraban/opus"
)

// 120 ms is the longest Opus frame.
const maxFrameMs = 120

type opusDecoder struct {
	mu     sync.Mutex
	dec    *opus.Decoder
	pcm    []int16
	out    audio.Output
	closed bool
}

func newOpusDecoder(format audio.Format) (audio.Decoder, error) {
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decoder: %w", audio.ErrUnsupportedCodec, err)
	}
	return &opusDecoder{
		dec: dec,
		pcm: make([]int16, format.SampleRate*maxFrameMs/1000*format.Channels),
		out: audio.Output{
			Encoding:   audio.EncodingLinear16,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		},
	}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("opus decoder is closed")
	}
	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("decode opus packet: %w", err)
	}
	samples := n * d.out.Channels
	if samples > len(d.pcm) {
		samples = len(d.pcm)
	}
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(d.pcm[i]))
	}
	return buf, nil
}

func (d *opusDecoder) Output() audio.Output {
	return d.out
}

func (d *opusDecoder) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.dec = nil
}
