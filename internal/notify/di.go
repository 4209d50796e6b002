package notify

import (
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/foxseedlab/kikitori/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Dispatcher, error) {
		cfg := do.MustInvoke[*config.Config](i)
		sender := do.MustInvoke[webhook.Sender](i)
		repo := do.MustInvoke[repository.Repository](i)
		return NewDispatcher(sender, repo, Options{
			Timeout:     cfg.ExperienceEventTimeout,
			MaxInFlight: int64(cfg.DispatchMaxInFlight),
		}), nil
	})
}
