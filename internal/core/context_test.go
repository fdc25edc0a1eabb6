package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

// probe records each lifecycle hook it sees into a shared journal.
type probe struct {
	id      ModuleID
	journal *[]string

	configureErr error
	provisionErr error
	validateErr  error
	startErr     error
	stopErr      error

	greeting string
	ctx      *AppContext
}

func (p *probe) ModuleInfo() ModuleInfo {
	return ModuleInfo{ID: p.id, New: func() Module {
		cp := *p
		return &cp
	}}
}

func (p *probe) note(hook string) {
	if p.journal != nil {
		*p.journal = append(*p.journal, hook+" "+string(p.id))
	}
}

func (p *probe) Configure(node *yaml.Node) error {
	p.note("configure")
	if p.configureErr != nil {
		return p.configureErr
	}
	var cfg struct {
		Greeting string `yaml:"greeting"`
	}
	if err := node.Decode(&cfg); err != nil {
		return err
	}
	p.greeting = cfg.Greeting
	return nil
}

func (p *probe) Provision(ctx *AppContext) error {
	p.note("provision")
	p.ctx = ctx
	return p.provisionErr
}

func (p *probe) Validate() error {
	p.note("validate")
	return p.validateErr
}

func (p *probe) Start() error {
	p.note("start")
	return p.startErr
}

func (p *probe) Stop(context.Context) error {
	p.note("stop")
	return p.stopErr
}

// bare implements none of the optional hooks.
type bare struct{ id ModuleID }

func (b *bare) ModuleInfo() ModuleInfo {
	return ModuleInfo{ID: b.id, New: func() Module { return &bare{id: b.id} }}
}

func yamlNode(t *testing.T, src string) yaml.Node {
	t.Helper()
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatal(err)
	}
	return *doc.Content[0]
}

func TestLoadModule_RunsHooksInOrder(t *testing.T) {
	t.Cleanup(resetRegistry)

	var journal []string
	RegisterModule(&probe{id: "probe.hooks", journal: &journal})

	ctx := NewAppContext(nil, "/data").WithModuleConfigs(map[string]yaml.Node{
		"probe.hooks": yamlNode(t, "greeting: hi\n"),
	})
	mod, err := ctx.LoadModule("probe.hooks")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"configure probe.hooks", "provision probe.hooks", "validate probe.hooks"}
	if !slices.Equal(journal, want) {
		t.Errorf("journal = %v, want %v", journal, want)
	}
	p := mod.(*probe)
	if p.greeting != "hi" {
		t.Errorf("greeting = %q", p.greeting)
	}
	if p.ctx.DataDir != "/data" {
		t.Errorf("DataDir = %q", p.ctx.DataDir)
	}
}

func TestLoadModule_SkipsConfigureWithoutNode(t *testing.T) {
	t.Cleanup(resetRegistry)

	var journal []string
	RegisterModule(&probe{id: "probe.nocfg", journal: &journal})
	RegisterModule(&bare{id: "probe.bare"})

	ctx := NewAppContext(nil, "")
	if _, err := ctx.LoadModule("probe.nocfg"); err != nil {
		t.Fatal(err)
	}
	if slices.Contains(journal, "configure probe.nocfg") {
		t.Error("Configure called without a config node")
	}
	if _, err := ctx.LoadModule("probe.bare"); err != nil {
		t.Errorf("module without hooks: %v", err)
	}
}

func TestLoadModule_ReportsFailingPhase(t *testing.T) {
	t.Cleanup(resetRegistry)

	boom := errors.New("boom")
	RegisterModule(&probe{id: "fail.configure", configureErr: boom})
	RegisterModule(&probe{id: "fail.provision", provisionErr: boom})
	RegisterModule(&probe{id: "fail.validate", validateErr: boom})

	ctx := NewAppContext(nil, "").WithModuleConfigs(map[string]yaml.Node{
		"fail.configure": yamlNode(t, "greeting: x\n"),
	})
	for id, phase := range map[string]string{
		"fail.configure": PhaseConfigure,
		"fail.provision": PhaseProvision,
		"fail.validate":  PhaseValidate,
		"fail.unknown":   PhaseLookup,
	} {
		_, err := ctx.LoadModule(id)
		var le *LoadError
		if !errors.As(err, &le) {
			t.Fatalf("%s: err = %v, want *LoadError", id, err)
		}
		if le.Phase != phase || le.ID != id {
			t.Errorf("%s: LoadError = %+v, want phase %s", id, le, phase)
		}
		if phase != PhaseLookup && !errors.Is(err, boom) {
			t.Errorf("%s: cause lost: %v", id, err)
		}
	}
}

func TestForModule_ScopesLoggerSharesServices(t *testing.T) {
	var buf bytes.Buffer
	root := NewAppContext(slog.New(slog.NewTextHandler(&buf, nil)), "/data")

	a := root.ForModule("snap.controller")
	b := root.ForModule("gateway.http")
	a.RegisterService("answer", 42)

	n, err := ServiceAs[int](b, "answer")
	if err != nil || n != 42 {
		t.Fatalf("ServiceAs = %d, %v", n, err)
	}
	if owner, _ := b.ServiceOwner("answer"); owner != "snap.controller" {
		t.Errorf("owner = %q", owner)
	}
	if _, err := ServiceAs[string](b, "answer"); err == nil || !strings.Contains(err.Error(), "int") {
		t.Errorf("type mismatch err = %v", err)
	}
	if _, err := ServiceAs[int](b, "missing"); err == nil {
		t.Error("expected error for missing service")
	}

	a.Logger.Info("hello")
	if !strings.Contains(buf.String(), "module=snap.controller") {
		t.Errorf("log = %q", buf.String())
	}

	b.RegisterService("answer", 43)
	if !strings.Contains(buf.String(), "previous_owner=snap.controller") {
		t.Errorf("replacement not logged: %q", buf.String())
	}
}

func TestModuleID_Parts(t *testing.T) {
	t.Parallel()

	for id, want := range map[ModuleID][2]string{
		"environment.process": {"environment", "process"},
		"state.sqlite":        {"state", "sqlite"},
		"a.b.c":               {"a", "b.c"},
		"flat":                {"flat", "flat"},
	} {
		if got := [2]string{id.Namespace(), id.Name()}; got != want {
			t.Errorf("%s: got %v, want %v", id, got, want)
		}
	}
}
