package wsserver

import (
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/ingest"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		handler := do.MustInvoke[*ingest.Handler](i)
		registry := do.MustInvoke[*session.Registry](i)
		return NewServer(Options{
			Addr:            cfg.ListenAddr,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
			WriteTimeout:    cfg.WSWriteTimeout,
		}, handler, registry), nil
	})
}
