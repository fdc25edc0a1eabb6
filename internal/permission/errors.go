package permission

import "errors"

// Sentinel errors for registry construction and hook selection. Grant and
// call failures are reported as *rpc.Error instead.
var (
	ErrDuplicateTarget = errors.New("permission: duplicate target")
	ErrDuplicateCaveat = errors.New("permission: duplicate caveat type")
	ErrUnknownCaveat   = errors.New("permission: unknown caveat type")
	ErrInvalidSpec     = errors.New("permission: invalid specification")
	ErrHookMissing     = errors.New("permission: hook not provided")
	ErrHookType        = errors.New("permission: hook has unexpected type")
)
