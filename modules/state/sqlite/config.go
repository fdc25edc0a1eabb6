package sqlite

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config is the state.sqlite module section.
//
//	state.sqlite:
//	  path: /var/lib/snaphost/state.db   # default: <data_dir>/state.db
//	  journal: wal                        # wal | delete
//	  busy_timeout: 5s
//	  age_identity_file: /etc/snaphost/state.key
type Config struct {
	Path        string        `yaml:"path"`
	Journal     string        `yaml:"journal"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	// AgeIdentityFile holds an AGE-SECRET-KEY-1 identity. Snap state is
	// encrypted to it at rest.
	AgeIdentityFile string `yaml:"age_identity_file"`
}

const (
	journalWAL    = "wal"
	journalDelete = "delete"

	defaultBusyTimeout = 5 * time.Second
	defaultDBFile      = "state.db"
)

// resolve fills defaults. dataDir anchors a missing path.
func (c Config) resolve(dataDir string) Config {
	if c.Path == "" {
		c.Path = filepath.Join(dataDir, defaultDBFile)
	}
	if c.Journal == "" {
		c.Journal = journalWAL
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	return c
}

func (c Config) check() error {
	switch c.Journal {
	case "", journalWAL, journalDelete:
	default:
		return fmt.Errorf("sqlite: journal must be %q or %q, got %q", journalWAL, journalDelete, c.Journal)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy_timeout must not be negative, got %s", c.BusyTimeout)
	}
	return nil
}
