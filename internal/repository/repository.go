package repository

import (
	"context"
	"time"
)

type OpenCustomerInput struct {
	SessionUUID string
	CustomerID  string
	OpenedAt    time.Time
}

type CloseCustomerInput struct {
	SessionUUID  string
	CustomerID   string
	ClosedAt     time.Time
	SegmentCount int
	FiredEvents  []string
}

type CloseSessionInput struct {
	SessionUUID string
	ClosedAt    time.Time
}

type SessionRepository interface {
	OpenCustomer(ctx context.Context, input OpenCustomerInput) error
	CloseCustomer(ctx context.Context, input CloseCustomerInput) error
	CloseSession(ctx context.Context, input CloseSessionInput) error
}

type DispatchRepository interface {
	InsertDispatch(ctx context.Context, record DispatchRecord) error
}

type Repository interface {
	SessionRepository
	DispatchRepository
}
