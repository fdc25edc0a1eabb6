// Package snapperm is the snap capability catalogue: restricted methods,
// endowments and the caveats that constrain them, ready to load into a
// permission.Registry.
package snapperm

import "github.com/flemzord/snaphost/internal/permission"

// Restricted method targets.
const (
	WalletSnap        permission.TargetName = "wallet_snap"
	GetBIP32Entropy   permission.TargetName = "snap_getBip32Entropy"
	GetBIP32PublicKey permission.TargetName = "snap_getBip32PublicKey"
	GetBIP44Entropy   permission.TargetName = "snap_getBip44Entropy"
	ManageState       permission.TargetName = "snap_manageState"
	Notify            permission.TargetName = "snap_notify"
	ShowDialog        permission.TargetName = "snap_dialog"
)

// Endowment targets.
const (
	NetworkAccess      permission.TargetName = "endowment:network-access"
	WebAssembly        permission.TargetName = "endowment:webassembly"
	EthereumProvider   permission.TargetName = "endowment:ethereum-provider"
	LongRunning        permission.TargetName = "endowment:long-running"
	TransactionInsight permission.TargetName = "endowment:transaction-insight"
	Cronjob            permission.TargetName = "endowment:cronjob"
	RPC                permission.TargetName = "endowment:rpc"
	Keyring            permission.TargetName = "endowment:keyring"
	LifecycleHooks     permission.TargetName = "endowment:lifecycle-hooks"
)

// Caveat types.
const (
	CaveatSnapIDs                  = "snapIds"
	CaveatPermittedDerivationPaths = "permittedDerivationPaths"
	CaveatPermittedCoinTypes       = "permittedCoinTypes"
	CaveatTransactionOrigin        = "transactionOrigin"
	CaveatSnapCronjob              = "snapCronjob"
	CaveatRPCOrigin                = "rpcOrigin"
	CaveatKeyringOrigin            = "keyringOrigin"
	CaveatMaxRequestTime           = "maxRequestTime"
)

// Handler names an entry point exported by a snap.
type Handler string

// Snap entry points.
const (
	OnRPCRequest     Handler = "onRpcRequest"
	OnTransaction    Handler = "onTransaction"
	OnCronjob        Handler = "onCronjob"
	OnKeyringRequest Handler = "onKeyringRequest"
	OnInstall        Handler = "onInstall"
	OnUpdate         Handler = "onUpdate"
)

// HandlerEndowments maps each entry point to the endowment a snap must
// hold before the host will call it.
var HandlerEndowments = map[Handler]permission.TargetName{
	OnRPCRequest:     RPC,
	OnTransaction:    TransactionInsight,
	OnCronjob:        Cronjob,
	OnKeyringRequest: Keyring,
	OnInstall:        LifecycleHooks,
	OnUpdate:         LifecycleHooks,
}
