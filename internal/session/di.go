package session

import (
	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/keyword"
	"github.com/foxseedlab/kikitori/internal/notify"
	"github.com/foxseedlab/kikitori/internal/repository"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Registry, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		dispatcher := do.MustInvoke[*notify.Dispatcher](i)
		rules, err := cfg.KeywordRules()
		if err != nil {
			return nil, err
		}
		return NewRegistry(keyword.NewDetector(rules), dispatcher, repo), nil
	})
}
