package snapperm

import (
	"encoding/json"

	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
)

func endowmentSpecifications() []permission.Specification {
	return []permission.Specification{
		globals(NetworkAccess, "fetch", "Request", "Headers", "Response"),
		globals(WebAssembly, "WebAssembly"),
		globals(EthereumProvider, "ethereum"),
		globals(LongRunning),
		{
			Target:          TransactionInsight,
			Type:            permission.Endowment,
			AllowedCaveats:  []string{CaveatTransactionOrigin, CaveatMaxRequestTime},
			EndowmentGetter: noGlobals,
			Validator:       permission.RequireCaveatsOf(nil, CaveatTransactionOrigin, CaveatMaxRequestTime),
			CaveatMapper:    transactionInsightMapper,
		},
		{
			Target:          Cronjob,
			Type:            permission.Endowment,
			AllowedCaveats:  []string{CaveatSnapCronjob},
			EndowmentGetter: noGlobals,
			Validator:       permission.RequireCaveats(CaveatSnapCronjob),
			CaveatMapper:    singleCaveat(CaveatSnapCronjob),
		},
		{
			Target:          RPC,
			Type:            permission.Endowment,
			AllowedCaveats:  []string{CaveatRPCOrigin, CaveatMaxRequestTime},
			EndowmentGetter: noGlobals,
			Validator:       permission.RequireCaveatsOf([]string{CaveatRPCOrigin}, CaveatMaxRequestTime),
			CaveatMapper:    originMapper(CaveatRPCOrigin),
		},
		{
			Target:          Keyring,
			Type:            permission.Endowment,
			AllowedCaveats:  []string{CaveatKeyringOrigin, CaveatMaxRequestTime},
			EndowmentGetter: noGlobals,
			Validator:       permission.RequireCaveatsOf([]string{CaveatKeyringOrigin}, CaveatMaxRequestTime),
			CaveatMapper:    originMapper(CaveatKeyringOrigin),
		},
		{
			Target:          LifecycleHooks,
			Type:            permission.Endowment,
			AllowedCaveats:  []string{CaveatMaxRequestTime},
			EndowmentGetter: noGlobals,
			Validator:       permission.RequireCaveatsOf(nil, CaveatMaxRequestTime),
			CaveatMapper:    maxRequestTimeMapper,
		},
	}
}

func globals(target permission.TargetName, names ...string) permission.Specification {
	return permission.Specification{
		Target:          target,
		Type:            permission.Endowment,
		EndowmentGetter: func() []string { return names },
	}
}

func noGlobals() []string { return nil }

// singleCaveat maps the whole declared value to one caveat of typ.
func singleCaveat(typ string) func(json.RawMessage) ([]permission.Caveat, error) {
	return func(value json.RawMessage) ([]permission.Caveat, error) {
		if len(value) == 0 {
			return nil, rpc.InvalidParams("%s requires a value", typ)
		}
		return []permission.Caveat{{Type: typ, Value: value}}, nil
	}
}

// originMapper splits {..., maxRequestTime} into the origin caveat and
// an optional maxRequestTime caveat.
func originMapper(typ string) func(json.RawMessage) ([]permission.Caveat, error) {
	return func(value json.RawMessage) ([]permission.Caveat, error) {
		fields, err := decodeObject(value)
		if err != nil {
			return nil, err
		}
		caveats, err := takeMaxRequestTime(fields)
		if err != nil {
			return nil, err
		}
		rest, err := json.Marshal(fields)
		if err != nil {
			return nil, rpc.InvalidParams("%s", err.Error())
		}
		return append([]permission.Caveat{{Type: typ, Value: rest}}, caveats...), nil
	}
}

func transactionInsightMapper(value json.RawMessage) ([]permission.Caveat, error) {
	fields, err := decodeObject(value)
	if err != nil {
		return nil, err
	}
	var caveats []permission.Caveat
	if raw, ok := fields["allowTransactionOrigin"]; ok {
		caveats = append(caveats, permission.Caveat{Type: CaveatTransactionOrigin, Value: raw})
	}
	more, err := takeMaxRequestTime(fields)
	if err != nil {
		return nil, err
	}
	return append(caveats, more...), nil
}

func maxRequestTimeMapper(value json.RawMessage) ([]permission.Caveat, error) {
	fields, err := decodeObject(value)
	if err != nil {
		return nil, err
	}
	return takeMaxRequestTime(fields)
}

func decodeObject(value json.RawMessage) (map[string]json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(value) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, rpc.InvalidParams("permission value must be an object: %s", err.Error())
	}
	return fields, nil
}

func takeMaxRequestTime(fields map[string]json.RawMessage) ([]permission.Caveat, error) {
	raw, ok := fields[CaveatMaxRequestTime]
	if !ok {
		return nil, nil
	}
	delete(fields, CaveatMaxRequestTime)
	return []permission.Caveat{{Type: CaveatMaxRequestTime, Value: raw}}, nil
}
