package storage

import "errors"

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrNoTaskClaimed = errors.New("storage: no claimable task")
	ErrLeaseLost     = errors.New("storage: lease lost")
	ErrNotOwner      = errors.New("storage: caller is not the current lease holder")
	ErrTerminalState = errors.New("storage: execution already in a terminal state")
	ErrUnavailable   = errors.New("storage: backend unavailable")
)
