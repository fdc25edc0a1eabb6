package snapperm

import (
	"encoding/json"

	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
)

// Specifications returns every snap target, restricted methods first.
func Specifications() []permission.Specification {
	return append(restrictedSpecifications(), endowmentSpecifications()...)
}

// NewRegistry builds the snap permission registry.
func NewRegistry() (*permission.Registry, error) {
	return permission.NewRegistry(Specifications(), CaveatSpecifications())
}

// HostHooks are the host functions restricted methods call into. Nil
// fields are left out; a method whose hook is missing fails with an
// internal error when called.
type HostHooks struct {
	HandleSnapRequest  SnapRequestFunc
	DeriveBIP32Entropy DeriveBIP32Func
	DeriveBIP32Public  DeriveBIP32Func
	DeriveBIP44Entropy DeriveBIP44Func
	StateStore         StateStore
	ShowNotification   NotifyFunc
	NotifyLimiter      Limiter
	ShowDialog         DialogFunc
}

// Map converts h into the generic hook map.
func (h HostHooks) Map() permission.Hooks {
	m := permission.Hooks{}
	if h.HandleSnapRequest != nil {
		m[HookHandleSnapRequest] = h.HandleSnapRequest
	}
	if h.DeriveBIP32Entropy != nil {
		m[HookDeriveBIP32Entropy] = h.DeriveBIP32Entropy
	}
	if h.DeriveBIP32Public != nil {
		m[HookDeriveBIP32Public] = h.DeriveBIP32Public
	}
	if h.DeriveBIP44Entropy != nil {
		m[HookDeriveBIP44Entropy] = h.DeriveBIP44Entropy
	}
	if h.StateStore != nil {
		m[HookStateStore] = h.StateStore
	}
	if h.ShowNotification != nil {
		m[HookShowNotification] = h.ShowNotification
	}
	if h.NotifyLimiter != nil {
		m[HookNotifyLimiter] = h.NotifyLimiter
	}
	if h.ShowDialog != nil {
		m[HookShowDialog] = h.ShowDialog
	}
	return m
}

// ProcessSnapPermissions turns a snap's declared permissions (target to
// raw value, as written in its initial permissions) into requested
// permissions with caveats. Unknown targets fail with MethodNotFound.
func ProcessSnapPermissions(reg *permission.Registry, initial map[string]json.RawMessage) (map[permission.TargetName]permission.RequestedPermission, error) {
	out := make(map[permission.TargetName]permission.RequestedPermission, len(initial))
	for name, value := range initial {
		target := permission.TargetName(name)
		spec, ok := reg.Target(target)
		if !ok {
			return nil, rpc.MethodNotFound(name)
		}
		var req permission.RequestedPermission
		if spec.CaveatMapper != nil {
			caveats, err := spec.CaveatMapper(value)
			if err != nil {
				return nil, err
			}
			req.Caveats = caveats
		}
		out[target] = req
	}
	return out, nil
}
