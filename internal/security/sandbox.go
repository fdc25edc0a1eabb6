package security

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// ContainerConfig runs a snap runtime inside a locked-down Docker
// container. Jobs still speak over stdio, hence docker run -i.
type ContainerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Image   string `yaml:"image"`
	// Network attaches the bridge network. Snaps reach the network through
	// the endowment:network-access globals, so it stays off by default.
	Network bool           `yaml:"network"`
	Limits  ResourceLimits `yaml:"limits"`
}

// ResourceLimits bound a containerized job. Zero fields take defaults.
type ResourceLimits struct {
	CPUShares int `yaml:"cpu_shares"`
	MemoryMB  int `yaml:"memory_mb"`
	TmpMB     int `yaml:"tmp_mb"`
	Pids      int `yaml:"pids"`
}

var defaultLimits = ResourceLimits{CPUShares: 512, MemoryMB: 256, TmpMB: 64, Pids: 64}

func (l ResourceLimits) withDefaults() ResourceLimits {
	pick := func(v, d int) int {
		if v > 0 {
			return v
		}
		return d
	}
	return ResourceLimits{
		CPUShares: pick(l.CPUShares, defaultLimits.CPUShares),
		MemoryMB:  pick(l.MemoryMB, defaultLimits.MemoryMB),
		TmpMB:     pick(l.TmpMB, defaultLimits.TmpMB),
		Pids:      pick(l.Pids, defaultLimits.Pids),
	}
}

// containerName follows Docker's own rule for container names.
var containerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Wrap returns the program and arguments that run command with args.
// Disabled configs return them unchanged. name labels the container so a
// stuck job can be found and removed by hand.
func (c ContainerConfig) Wrap(name, command string, args, env []string) (string, []string, error) {
	if !c.Enabled {
		return command, args, nil
	}
	if c.Image == "" {
		return "", nil, fmt.Errorf("container: image is required")
	}
	if !containerName.MatchString(name) {
		return "", nil, fmt.Errorf("container: invalid name %q", name)
	}

	lim := c.Limits.withDefaults()
	network := "none"
	if c.Network {
		network = "bridge"
	}

	argv := []string{"run", "--rm", "-i", "--name", name, "--read-only", "--network=" + network}
	for _, flag := range [][2]string{
		{"--cap-drop", "ALL"},
		{"--security-opt", "no-new-privileges:true"},
		{"--user", "65534:65534"},
		{"--pids-limit", strconv.Itoa(lim.Pids)},
		{"--cpu-shares", strconv.Itoa(lim.CPUShares)},
		{"--memory", strconv.Itoa(lim.MemoryMB) + "m"},
		{"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", lim.TmpMB)},
	} {
		argv = append(argv, flag[0], flag[1])
	}
	for _, kv := range env {
		argv = append(argv, "-e", kv)
	}
	argv = append(argv, c.Image, command)
	return "docker", append(argv, args...), nil
}

// IsDockerAvailable reports whether the docker CLI is on PATH.
func IsDockerAvailable() bool {
	_, err := exec.LookPath("docker")
	return err == nil
}
