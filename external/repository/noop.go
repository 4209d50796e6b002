package repository

import (
	"context"

	"github.com/foxseedlab/kikitori/internal/repository"
)

// NoopRepository is used when DATABASE_URL is not configured.
type NoopRepository struct{}

func (NoopRepository) OpenCustomer(context.Context, repository.OpenCustomerInput) error {
	return nil
}

func (NoopRepository) CloseCustomer(context.Context, repository.CloseCustomerInput) error {
	return nil
}

func (NoopRepository) CloseSession(context.Context, repository.CloseSessionInput) error {
	return nil
}

func (NoopRepository) InsertDispatch(context.Context, repository.DispatchRecord) error {
	return nil
}
