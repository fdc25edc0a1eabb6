package security

import (
	"slices"
	"testing"
)

func TestContainerConfig_Disabled(t *testing.T) {
	t.Parallel()

	prog, args, err := ContainerConfig{}.Wrap("job-1", "node", []string{"runtime.js"}, nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if prog != "node" || !slices.Equal(args, []string{"runtime.js"}) {
		t.Errorf("Wrap = %s %v, want command unchanged", prog, args)
	}
}

func TestContainerConfig_Wrap(t *testing.T) {
	t.Parallel()

	cfg := ContainerConfig{Enabled: true, Image: "snaps/runtime:1"}
	prog, args, err := cfg.Wrap("snaphost-job-1", "node", []string{"runtime.js"}, []string{"LANG=C"})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if prog != "docker" {
		t.Errorf("prog = %s, want docker", prog)
	}
	for _, want := range []string{"-i", "--read-only", "--network=none", "--memory", "256m", "LANG=C", "snaps/runtime:1"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	tail := args[len(args)-2:]
	if !slices.Equal(tail, []string{"node", "runtime.js"}) {
		t.Errorf("args end with %v, want the runtime command", tail)
	}
}

func TestContainerConfig_NetworkAndLimits(t *testing.T) {
	t.Parallel()

	cfg := ContainerConfig{Enabled: true, Image: "img", Network: true, Limits: ResourceLimits{MemoryMB: 512, Pids: 8}}
	_, args, err := cfg.Wrap("job", "node", nil, nil)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	for _, want := range []string{"--network=bridge", "512m", "8"} {
		if !slices.Contains(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
}

func TestContainerConfig_Errors(t *testing.T) {
	t.Parallel()

	if _, _, err := (ContainerConfig{Enabled: true}).Wrap("job", "node", nil, nil); err == nil {
		t.Error("expected error without image")
	}
	if _, _, err := (ContainerConfig{Enabled: true, Image: "img"}).Wrap("bad:name", "node", nil, nil); err == nil {
		t.Error("expected error for invalid name")
	}
}
