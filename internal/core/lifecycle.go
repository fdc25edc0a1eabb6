package core

import (
	"context"

	"gopkg.in/yaml.v3"
)

// The hooks below are optional. LoadModule runs them in the order
// Configure, Provision, Validate; App.Start and App.Stop run the rest.

// Configurable modules decode their own section of the configuration.
type Configurable interface {
	Configure(node *yaml.Node) error
}

// Provisioner modules resolve services and publish their own.
type Provisioner interface {
	Provision(ctx *AppContext) error
}

// Validator modules check their provisioned state without changing it.
type Validator interface {
	Validate() error
}

// Starter modules launch goroutines or listeners.
type Starter interface {
	Start() error
}

// Stopper modules release what Start or Provision acquired. Stop is
// called in reverse load order and must honour ctx's deadline.
type Stopper interface {
	Stop(ctx context.Context) error
}
