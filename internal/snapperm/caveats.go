package snapperm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
)

// ForbiddenCoinTypes cannot be granted through snap_getBip44Entropy:
// 60 is Ethereum, whose keys belong to the wallet itself.
var ForbiddenCoinTypes = []uint32{60}

// Request time bounds for the maxRequestTime caveat.
const (
	MinRequestTime = 5 * time.Second
	MaxRequestTime = 180 * time.Second
)

// IsValidSnapID reports whether id names an npm or local snap.
func IsValidSnapID(id string) bool {
	for _, prefix := range []string{"npm:", "local:"} {
		if rest, ok := strings.CutPrefix(id, prefix); ok {
			return rest != ""
		}
	}
	return false
}

// CoinType is one entry of the permittedCoinTypes caveat.
type CoinType struct {
	CoinType uint32 `json:"coinType"`
}

// RPCOrigin is the value of the rpcOrigin caveat.
type RPCOrigin struct {
	Dapps          bool     `json:"dapps,omitempty"`
	Snaps          bool     `json:"snaps,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// KeyringOrigin is the value of the keyringOrigin caveat.
type KeyringOrigin struct {
	AllowedOrigins []string `json:"allowedOrigins"`
}

// CaveatSpecifications returns every snap caveat type.
func CaveatSpecifications() []permission.CaveatSpecification {
	return []permission.CaveatSpecification{
		snapIDsCaveat(),
		derivationPathsCaveat(),
		coinTypesCaveat(),
		{Type: CaveatTransactionOrigin, Validator: validateTransactionOrigin},
		{Type: CaveatSnapCronjob, Validator: validateCronjob},
		{Type: CaveatRPCOrigin, Validator: validateRPCOrigin},
		{Type: CaveatKeyringOrigin, Validator: validateKeyringOrigin},
		{Type: CaveatMaxRequestTime, Validator: validateMaxRequestTime},
	}
}

func snapIDsCaveat() permission.CaveatSpecification {
	return permission.CaveatSpecification{
		Type: CaveatSnapIDs,
		Validator: func(c permission.Caveat) error {
			ids, err := permission.DecodeValue[map[string]json.RawMessage](c)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return rpc.InvalidParams("snapIds caveat must name at least one snap")
			}
			for id := range ids {
				if !IsValidSnapID(id) {
					return rpc.InvalidParams("invalid snap ID %q", id)
				}
			}
			return nil
		},
		Decorator: func(next permission.Method, c permission.Caveat) permission.Method {
			return func(ctx context.Context, req rpc.Request) (any, error) {
				ids, err := permission.DecodeValue[map[string]json.RawMessage](c)
				if err != nil {
					return nil, err
				}
				var p walletSnapParams
				if err := rpc.UnmarshalParams(req.Params, &p); err != nil {
					return nil, err
				}
				if _, ok := ids[p.SnapID]; !ok {
					return nil, rpc.Unauthorized("%s is not permitted to invoke snap %q", req.Origin, p.SnapID)
				}
				return next(ctx, req)
			}
		},
	}
}

func derivationPathsCaveat() permission.CaveatSpecification {
	return permission.CaveatSpecification{
		Type: CaveatPermittedDerivationPaths,
		Validator: func(c permission.Caveat) error {
			paths, err := permission.DecodeValue[[]DerivationPath](c)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return rpc.InvalidParams("permittedDerivationPaths must not be empty")
			}
			for _, p := range paths {
				if _, err := p.Normalize(); err != nil {
					return rpc.InvalidParams("%s", err.Error())
				}
			}
			return nil
		},
		Decorator: func(next permission.Method, c permission.Caveat) permission.Method {
			return func(ctx context.Context, req rpc.Request) (any, error) {
				permitted, err := permission.DecodeValue[[]DerivationPath](c)
				if err != nil {
					return nil, err
				}
				var requested DerivationPath
				if err := rpc.UnmarshalParams(req.Params, &requested); err != nil {
					return nil, err
				}
				want, err := requested.Normalize()
				if err != nil {
					return nil, rpc.InvalidParams("%s", err.Error())
				}
				for _, p := range permitted {
					if norm, err := p.Normalize(); err == nil && norm.Equal(want) {
						return next(ctx, req)
					}
				}
				return nil, rpc.Unauthorized("derivation path %s is not permitted", want)
			}
		},
	}
}

func coinTypesCaveat() permission.CaveatSpecification {
	return permission.CaveatSpecification{
		Type: CaveatPermittedCoinTypes,
		Validator: func(c permission.Caveat) error {
			coins, err := permission.DecodeValue[[]CoinType](c)
			if err != nil {
				return err
			}
			if len(coins) == 0 {
				return rpc.InvalidParams("permittedCoinTypes must not be empty")
			}
			for _, ct := range coins {
				if err := checkCoinType(ct.CoinType); err != nil {
					return err
				}
			}
			return nil
		},
		Decorator: func(next permission.Method, c permission.Caveat) permission.Method {
			return func(ctx context.Context, req rpc.Request) (any, error) {
				coins, err := permission.DecodeValue[[]CoinType](c)
				if err != nil {
					return nil, err
				}
				var requested CoinType
				if err := rpc.UnmarshalParams(req.Params, &requested); err != nil {
					return nil, err
				}
				if slices.Contains(coins, requested) {
					return next(ctx, req)
				}
				return nil, rpc.Unauthorized("coin type %d is not permitted", requested.CoinType)
			}
		},
	}
}

func checkCoinType(ct uint32) error {
	if ct >= hardenedOffset {
		return rpc.InvalidParams("coin type %d out of range", ct)
	}
	if slices.Contains(ForbiddenCoinTypes, ct) {
		return rpc.InvalidParams("coin type %d is forbidden", ct)
	}
	return nil
}

func validateTransactionOrigin(c permission.Caveat) error {
	_, err := permission.DecodeValue[bool](c)
	return err
}

func validateCronjob(c permission.Caveat) error {
	v, err := permission.DecodeValue[CronjobCaveat](c)
	if err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return rpc.InvalidParams("%s", err.Error())
	}
	return nil
}

func validateRPCOrigin(c permission.Caveat) error {
	v, err := permission.DecodeValue[RPCOrigin](c)
	if err != nil {
		return err
	}
	if !v.Dapps && !v.Snaps && len(v.AllowedOrigins) == 0 {
		return rpc.InvalidParams("rpcOrigin must allow dapps, snaps or at least one origin")
	}
	return checkOrigins(v.AllowedOrigins)
}

func validateKeyringOrigin(c permission.Caveat) error {
	v, err := permission.DecodeValue[KeyringOrigin](c)
	if err != nil {
		return err
	}
	if v.AllowedOrigins == nil {
		return rpc.InvalidParams("keyringOrigin needs an allowedOrigins array")
	}
	return checkOrigins(v.AllowedOrigins)
}

func checkOrigins(origins []string) error {
	for _, o := range origins {
		if strings.TrimSpace(o) == "" {
			return rpc.InvalidParams("allowed origins must not be empty strings")
		}
	}
	return nil
}

func validateMaxRequestTime(c permission.Caveat) error {
	ms, err := permission.DecodeValue[int64](c)
	if err != nil {
		return err
	}
	d := time.Duration(ms) * time.Millisecond
	if d < MinRequestTime || d > MaxRequestTime {
		return rpc.InvalidParams("maxRequestTime must be between %d and %d ms", MinRequestTime.Milliseconds(), MaxRequestTime.Milliseconds())
	}
	return nil
}

// MaxRequestTimeOf returns the maxRequestTime caveat of p, if any.
func MaxRequestTimeOf(p permission.Permission) (time.Duration, bool) {
	c, ok := p.Caveat(CaveatMaxRequestTime)
	if !ok {
		return 0, false
	}
	ms, err := permission.DecodeValue[int64](c)
	if err != nil {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// CronjobsOf decodes the snapCronjob caveat of a cronjob permission.
func CronjobsOf(p permission.Permission) ([]CronjobSpecification, error) {
	c, ok := p.Caveat(CaveatSnapCronjob)
	if !ok {
		return nil, fmt.Errorf("%s permission has no %s caveat", p.Target, CaveatSnapCronjob)
	}
	v, err := permission.DecodeValue[CronjobCaveat](c)
	if err != nil {
		return nil, err
	}
	return v.Jobs, nil
}

// ErrOriginNotAllowed is returned when an origin may not call a handler.
var ErrOriginNotAllowed = errors.New("snapperm: origin not allowed")

// CheckRPCOrigin reports whether origin may call onRpcRequest under the
// rpcOrigin caveat value. isSnap tells whether origin is itself a snap.
func CheckRPCOrigin(v RPCOrigin, origin string, isSnap bool) error {
	switch {
	case slices.Contains(v.AllowedOrigins, origin):
		return nil
	case isSnap && v.Snaps:
		return nil
	case !isSnap && v.Dapps:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
}

// CheckKeyringOrigin reports whether origin may call onKeyringRequest.
func CheckKeyringOrigin(v KeyringOrigin, origin string) error {
	if slices.Contains(v.AllowedOrigins, origin) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
}
