package snapperm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
)

// MaxStateSize bounds the JSON state a snap may store.
const MaxStateSize = 100 * 1024 * 1024

// Notification and dialog limits.
const (
	maxNativeNotification = 49
	maxInAppNotification  = 500
	maxPlaceholder        = 40
)

type walletSnapParams struct {
	SnapID  string          `json:"snapId"`
	Request json.RawMessage `json:"request"`
}

type manageStateParams struct {
	Operation string          `json:"operation"`
	NewState  json.RawMessage `json:"newState,omitempty"`
}

func restrictedSpecifications() []permission.Specification {
	return []permission.Specification{
		{
			Target:         WalletSnap,
			Type:           permission.RestrictedMethod,
			AllowedCaveats: []string{CaveatSnapIDs},
			HookNames:      []string{HookHandleSnapRequest},
			MethodFactory:  walletSnapMethod,
			Validator:      permission.RequireCaveats(CaveatSnapIDs),
			CaveatMapper:   singleCaveat(CaveatSnapIDs),
		},
		{
			Target:         GetBIP32Entropy,
			Type:           permission.RestrictedMethod,
			AllowedCaveats: []string{CaveatPermittedDerivationPaths},
			HookNames:      []string{HookDeriveBIP32Entropy},
			MethodFactory:  bip32Method(HookDeriveBIP32Entropy),
			Validator:      permission.RequireCaveats(CaveatPermittedDerivationPaths),
			CaveatMapper:   singleCaveat(CaveatPermittedDerivationPaths),
		},
		{
			Target:         GetBIP32PublicKey,
			Type:           permission.RestrictedMethod,
			AllowedCaveats: []string{CaveatPermittedDerivationPaths},
			HookNames:      []string{HookDeriveBIP32Public},
			MethodFactory:  bip32Method(HookDeriveBIP32Public),
			Validator:      permission.RequireCaveats(CaveatPermittedDerivationPaths),
			CaveatMapper:   singleCaveat(CaveatPermittedDerivationPaths),
		},
		{
			Target:         GetBIP44Entropy,
			Type:           permission.RestrictedMethod,
			AllowedCaveats: []string{CaveatPermittedCoinTypes},
			HookNames:      []string{HookDeriveBIP44Entropy},
			MethodFactory:  bip44Method,
			Validator:      permission.RequireCaveats(CaveatPermittedCoinTypes),
			CaveatMapper:   singleCaveat(CaveatPermittedCoinTypes),
		},
		{
			Target:        ManageState,
			Type:          permission.RestrictedMethod,
			HookNames:     []string{HookStateStore},
			MethodFactory: manageStateMethod,
		},
		{
			Target:        Notify,
			Type:          permission.RestrictedMethod,
			HookNames:     []string{HookShowNotification, HookNotifyLimiter},
			MethodFactory: notifyMethod,
		},
		{
			Target:        ShowDialog,
			Type:          permission.RestrictedMethod,
			HookNames:     []string{HookShowDialog},
			MethodFactory: dialogMethod,
		},
	}
}

func walletSnapMethod(h permission.Hooks) (permission.Method, error) {
	invoke, err := permission.Hook[SnapRequestFunc](h, HookHandleSnapRequest)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req rpc.Request) (any, error) {
		var p walletSnapParams
		if err := rpc.UnmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if !IsValidSnapID(p.SnapID) {
			return nil, rpc.InvalidParams("invalid snap ID %q", p.SnapID)
		}
		if len(p.Request) == 0 {
			return nil, rpc.InvalidParams("wallet_snap requires a request")
		}
		return invoke(ctx, p.SnapID, req.Origin, OnRPCRequest, p.Request)
	}, nil
}

func bip32Method(hook string) func(permission.Hooks) (permission.Method, error) {
	return func(h permission.Hooks) (permission.Method, error) {
		derive, err := permission.Hook[DeriveBIP32Func](h, hook)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, req rpc.Request) (any, error) {
			var p DerivationPath
			if err := rpc.UnmarshalParams(req.Params, &p); err != nil {
				return nil, err
			}
			norm, err := p.Normalize()
			if err != nil {
				return nil, rpc.InvalidParams("%s", err.Error())
			}
			return derive(ctx, req.Origin, norm)
		}, nil
	}
}

func bip44Method(h permission.Hooks) (permission.Method, error) {
	derive, err := permission.Hook[DeriveBIP44Func](h, HookDeriveBIP44Entropy)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req rpc.Request) (any, error) {
		var p CoinType
		if err := rpc.UnmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := checkCoinType(p.CoinType); err != nil {
			return nil, err
		}
		return derive(ctx, req.Origin, p.CoinType)
	}, nil
}

func manageStateMethod(h permission.Hooks) (permission.Method, error) {
	store, err := permission.Hook[StateStore](h, HookStateStore)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req rpc.Request) (any, error) {
		var p manageStateParams
		if err := rpc.UnmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		switch p.Operation {
		case "get":
			state, err := store.GetSnapState(ctx, req.Origin)
			if err != nil {
				return nil, err
			}
			if len(state) == 0 {
				return nil, nil
			}
			return state, nil
		case "update":
			if err := checkState(p.NewState); err != nil {
				return nil, err
			}
			return nil, store.UpdateSnapState(ctx, req.Origin, p.NewState)
		case "clear":
			return nil, store.ClearSnapState(ctx, req.Origin)
		default:
			return nil, rpc.InvalidParams("unknown snap_manageState operation %q", p.Operation)
		}
	}, nil
}

func checkState(state json.RawMessage) error {
	trimmed := bytes.TrimSpace(state)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return rpc.InvalidParams("snap_manageState newState must be a JSON object")
	}
	if len(trimmed) > MaxStateSize {
		return rpc.InvalidParams("snap_manageState newState exceeds %d bytes", MaxStateSize)
	}
	return nil
}

func notifyMethod(h permission.Hooks) (permission.Method, error) {
	show, err := permission.Hook[NotifyFunc](h, HookShowNotification)
	if err != nil {
		return nil, err
	}
	limiter, err := permission.Hook[Limiter](h, HookNotifyLimiter)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req rpc.Request) (any, error) {
		var n Notification
		if err := rpc.UnmarshalParams(req.Params, &n); err != nil {
			return nil, err
		}
		limit := 0
		switch n.Type {
		case "native":
			limit = maxNativeNotification
		case "inApp":
			limit = maxInAppNotification
		default:
			return nil, rpc.InvalidParams("unknown notification type %q", n.Type)
		}
		if l := utf8.RuneCountInString(n.Message); l == 0 || l > limit {
			return nil, rpc.InvalidParams("%s notification message must be 1 to %d characters", n.Type, limit)
		}
		if n.Type == "native" {
			if err := limiter.Allow(security.KindNotify, req.Origin); err != nil {
				if errors.Is(err, security.ErrRateLimited) {
					return nil, rpc.LimitExceeded("%s is sending notifications too fast", req.Origin)
				}
				return nil, err
			}
		}
		return nil, show(ctx, req.Origin, n)
	}, nil
}

func dialogMethod(h permission.Hooks) (permission.Method, error) {
	show, err := permission.Hook[DialogFunc](h, HookShowDialog)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req rpc.Request) (any, error) {
		var d Dialog
		if err := rpc.UnmarshalParams(req.Params, &d); err != nil {
			return nil, err
		}
		switch d.Type {
		case "alert", "confirmation":
			if d.Placeholder != "" {
				return nil, rpc.InvalidParams("placeholder is only valid for prompt dialogs")
			}
		case "prompt":
			if utf8.RuneCountInString(d.Placeholder) > maxPlaceholder {
				return nil, rpc.InvalidParams("placeholder must be at most %d characters", maxPlaceholder)
			}
		default:
			return nil, rpc.InvalidParams("unknown dialog type %q", d.Type)
		}
		if len(bytes.TrimSpace(d.Content)) == 0 {
			return nil, rpc.InvalidParams("dialog content is required")
		}
		return show(ctx, req.Origin, d)
	}, nil
}
