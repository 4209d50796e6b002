package ingest

import (
	"github.com/foxseedlab/kikitori/internal/audio"
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/foxseedlab/kikitori/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Handler, error) {
		cfg := do.MustInvoke[*config.Config](i)
		registry := do.MustInvoke[*session.Registry](i)
		t := do.MustInvoke[transcriber.Transcriber](i)
		newDecoder := do.MustInvoke[audio.DecoderFactory](i)
		return NewHandler(registry, t, newDecoder, Options{DrainTimeout: cfg.StreamDrainTimeout}), nil
	})
}
