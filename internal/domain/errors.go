package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrContention      = errors.New("allocation contention")
	ErrConflict        = errors.New("conflicting state")
	ErrDuplicateEvent  = errors.New("event already applied")
	ErrOrphanEvent     = errors.New("event has no valid target")
	ErrAlreadyListed   = errors.New("already listed")
	ErrDuplicateBid    = errors.New("duplicate bid")
	ErrRateLimited     = errors.New("rate limited")
)
