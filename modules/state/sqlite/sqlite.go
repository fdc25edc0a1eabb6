// Package sqlite is the state.sqlite module: cronjob last runs and
// snap_manageState data in one SQLite database, through the pure-Go
// modernc.org/sqlite driver. Snap state is zstd-compressed and, with an
// age identity configured, encrypted at rest.
package sqlite

import (
	"context"
	"fmt"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/snap"
)

// ServiceName publishes the *Store for maintenance jobs.
const ServiceName = "state.sqlite"

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// Module opens the store and publishes it as the snap state store, the
// cronjob store and ServiceName.
type Module struct {
	config Config
	store  *Store
}

func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: ServiceName, New: func() core.Module { return &Module{} }}
}

func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("sqlite: decode config: %w", err)
	}
	return m.config.check()
}

func (m *Module) Provision(ctx *core.AppContext) error {
	if err := m.config.check(); err != nil {
		return err
	}
	m.config = m.config.resolve(ctx.DataDir)

	var id *age.X25519Identity
	if f := m.config.AgeIdentityFile; f != "" {
		var err error
		if id, err = LoadIdentity(f); err != nil {
			return err
		}
	}

	store, err := Open(context.Background(), m.config.Path, Options{
		WAL:         m.config.Journal == journalWAL,
		BusyTimeout: m.config.BusyTimeout,
		Identity:    id,
	})
	if err != nil {
		return err
	}
	m.store = store

	for _, name := range []string{ServiceName, snap.ServiceStateStore, cronjob.ServiceStore} {
		ctx.RegisterService(name, store)
	}
	ctx.Logger.Info("sqlite state store opened",
		"path", m.config.Path,
		"journal", m.config.Journal,
		"encrypted", id != nil,
	)
	return nil
}

func (m *Module) Validate() error {
	if err := m.store.Ping(context.Background()); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

func (m *Module) Stop(context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Close()
}

// Store returns the opened store.
func (m *Module) Store() *Store {
	return m.store
}
