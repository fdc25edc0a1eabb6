package snapperm

import (
	"context"
	"encoding/json"
)

// Hook names provided by the host. The permission controller hands each
// restricted method only the hooks listed in its specification.
const (
	HookHandleSnapRequest  = "handleSnapRequest"
	HookDeriveBIP32Entropy = "deriveBip32Entropy"
	HookDeriveBIP32Public  = "deriveBip32PublicKey"
	HookDeriveBIP44Entropy = "deriveBip44Entropy"
	HookStateStore         = "stateStore"
	HookShowNotification   = "showNotification"
	HookNotifyLimiter      = "notifyLimiter"
	HookShowDialog         = "showDialog"
)

// SnapRequestFunc invokes handler of snapID on behalf of origin.
type SnapRequestFunc func(ctx context.Context, snapID, origin string, handler Handler, request json.RawMessage) (any, error)

// DeriveBIP32Func derives key material for a BIP-32 path. Key derivation
// itself belongs to the host wallet.
type DeriveBIP32Func func(ctx context.Context, snapID string, path DerivationPath) (any, error)

// DeriveBIP44Func derives the BIP-44 coin type node.
type DeriveBIP44Func func(ctx context.Context, snapID string, coinType uint32) (any, error)

// StateStore persists the opaque JSON state a snap manages.
type StateStore interface {
	GetSnapState(ctx context.Context, snapID string) (json.RawMessage, error)
	UpdateSnapState(ctx context.Context, snapID string, state json.RawMessage) error
	ClearSnapState(ctx context.Context, snapID string) error
}

// Notification is a snap_notify payload.
type Notification struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NotifyFunc shows a notification to the user.
type NotifyFunc func(ctx context.Context, snapID string, n Notification) error

// Limiter admits or rejects one event for a key.
type Limiter interface {
	Allow(kind, key string) error
}

// Dialog is a snap_dialog payload.
type Dialog struct {
	Type        string          `json:"type"`
	Content     json.RawMessage `json:"content"`
	Placeholder string          `json:"placeholder,omitempty"`
}

// DialogFunc shows a dialog and returns the user's answer.
type DialogFunc func(ctx context.Context, snapID string, d Dialog) (any, error)
