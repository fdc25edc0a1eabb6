package core

import "strings"

// ModuleID is a dotted, namespaced module name such as "execution.service"
// or "environment.process". The part before the first dot is the namespace.
type ModuleID string

// Namespace returns the part of the ID before the first dot.
func (id ModuleID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ".")
	return ns
}

// Name returns the part of the ID after the first dot.
func (id ModuleID) Name() string {
	_, name, ok := strings.Cut(string(id), ".")
	if !ok {
		return string(id)
	}
	return name
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	ID  ModuleID
	New func() Module
}

// Module is the unit of composition. Lifecycle behavior is opted into by
// implementing Configurable, Provisioner, Validator, Starter and Stopper.
type Module interface {
	ModuleInfo() ModuleInfo
}
