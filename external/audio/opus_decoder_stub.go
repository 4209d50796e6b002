//go:build !opus

package audio

import (
	"fmt"

	"github.com/foxseedlab/kikitori/internal/audio"
)

func newOpusDecoder(_ audio.Format) (audio.Decoder, error) {
	return nil, fmt.Errorf("%w: raw opus needs a build with -tags opus", audio.ErrUnsupportedCodec)
}
