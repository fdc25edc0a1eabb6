package reload

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/snap"
)

// Snaps is the part of the snap controller the Reconciler drives.
type Snaps interface {
	Get(snapID string) (snap.Snap, error)
	Install(ctx context.Context, p snap.InstallParams) (snap.Snap, error)
	Update(ctx context.Context, p snap.InstallParams) (snap.Snap, error)
	Enable(snapID string) error
	Disable(ctx context.Context, snapID string) error
}

// Result lists what an Apply changed, by snap ID.
type Result struct {
	Installed []string
	Updated   []string
	// Toggled snaps only had their disabled flag changed.
	Toggled   []string
	Unchanged []string
}

type appliedSnap struct {
	fingerprint string
	disabled    bool
}

// Reconciler brings the controller in line with a list of configured
// snaps. Snaps dropped from the list stay installed along with their
// state.
type Reconciler struct {
	snaps  Snaps
	logger *slog.Logger

	mu      sync.Mutex
	applied map[string]appliedSnap
}

// NewReconciler returns a Reconciler that considers current already
// applied, typically the snaps installed at startup.
func NewReconciler(snaps Snaps, current []config.LoadedSnap, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{snaps: snaps, logger: logger, applied: make(map[string]appliedSnap, len(current))}
	for _, s := range current {
		r.applied[s.ID] = appliedSnap{fingerprint: fingerprint(s), disabled: s.Disabled}
	}
	return r
}

// Apply installs snaps not yet installed, updates those whose bundle,
// version or permissions changed and applies changed disabled flags. It keeps going after a
// failed snap and returns every error joined.
func (r *Reconciler) Apply(ctx context.Context, desired []config.LoadedSnap) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		res  Result
		errs []error
	)
	for _, s := range desired {
		want := appliedSnap{fingerprint: fingerprint(s), disabled: s.Disabled}
		prev, known := r.applied[s.ID]
		params := snap.InstallParams{
			ID:                 s.ID,
			Version:            s.Version,
			SourceCode:         s.SourceCode,
			InitialPermissions: s.InitialPermissions,
		}

		_, err := r.snaps.Get(s.ID)
		switch {
		case errors.Is(err, rpc.ErrResourceNotFound):
			if _, err := r.snaps.Install(ctx, params); err != nil {
				errs = append(errs, fmt.Errorf("reload: installing %s: %w", s.ID, err))
				continue
			}
			res.Installed = append(res.Installed, s.ID)
		case err != nil:
			errs = append(errs, fmt.Errorf("reload: %s: %w", s.ID, err))
			continue
		case known && prev == want:
			res.Unchanged = append(res.Unchanged, s.ID)
			continue
		case known && prev.fingerprint == want.fingerprint:
			res.Toggled = append(res.Toggled, s.ID)
		default:
			if _, err := r.snaps.Update(ctx, params); err != nil {
				errs = append(errs, fmt.Errorf("reload: updating %s: %w", s.ID, err))
				continue
			}
			res.Updated = append(res.Updated, s.ID)
		}

		if err := r.setEnabled(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		r.applied[s.ID] = want
	}

	if len(res.Installed)+len(res.Updated)+len(res.Toggled) > 0 {
		r.logger.Info("reload: snaps applied",
			"installed", res.Installed,
			"updated", res.Updated,
			"toggled", res.Toggled,
			"unchanged", len(res.Unchanged),
		)
	}
	return res, errors.Join(errs...)
}

func (r *Reconciler) setEnabled(ctx context.Context, s config.LoadedSnap) error {
	var err error
	if s.Disabled {
		err = r.snaps.Disable(ctx, s.ID)
	} else {
		err = r.snaps.Enable(s.ID)
	}
	if err != nil {
		return fmt.Errorf("reload: %s: %w", s.ID, err)
	}
	return nil
}

// fingerprint hashes the parts of a snap that need an Update to change.
func fingerprint(s config.LoadedSnap) string {
	h := blake3.New()
	_, _ = h.Write([]byte(s.Version))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(s.SourceCode))
	_, _ = h.Write([]byte{0})
	for _, k := range slices.Sorted(maps.Keys(s.InitialPermissions)) {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write(compact(s.InitialPermissions[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func compact(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
