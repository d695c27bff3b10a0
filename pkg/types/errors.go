package types

import "errors"

// Error taxonomy shared by every store. Backends wrap these so callers can
// match with errors.Is regardless of which backend produced the failure.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidGraph    = errors.New("invalid graph")
	ErrNameConflict    = errors.New("name conflict")
	ErrUnknownStep     = errors.New("unknown step")
	ErrInvalidState    = errors.New("invalid state")
	ErrDurability      = errors.New("durability failure")
	ErrRecordConflict  = errors.New("record id conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)
