package main

import (
	"fmt"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/flemzord/snaphost/pkg/app"
)

// program runs a Host under the system service manager. Start must not
// block, so the host is built and started there and stopped in Stop.
type program struct {
	params app.RunParams
	host   *app.Host
}

func (p *program) Start(_ service.Service) error {
	h, err := app.New(p.params)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	p.host = h
	return nil
}

func (p *program) Stop(_ service.Service) error {
	if p.host != nil {
		p.host.Stop()
		p.host = nil
	}
	return nil
}

func serviceConfig(params app.RunParams) *service.Config {
	args := []string{"service", "run"}
	if params.ConfigPath != "" {
		args = append(args, "--config", params.ConfigPath)
	}
	if params.DataDir != "" {
		args = append(args, "--data-dir", params.DataDir)
	}
	return &service.Config{
		Name:        "snaphost",
		DisplayName: "snaphost",
		Description: "Headless host for sandboxed snaps.",
		Arguments:   args,
	}
}

func newService(cmd *cobra.Command) (service.Service, error) {
	params := runParams(cmd)
	// The service manager starts from another working directory.
	if params.ConfigPath != "" {
		abs, err := filepath.Abs(params.ConfigPath)
		if err != nil {
			return nil, err
		}
		params.ConfigPath = abs
	}
	return service.New(&program{params: params}, serviceConfig(params))
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage snaphost as a system service",
	}

	for _, action := range service.ControlAction {
		sub := &cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the system service", action),
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				s, err := newService(cmd)
				if err != nil {
					return err
				}
				if err := service.Control(s, action); err != nil {
					return fmt.Errorf("service %s: %w", action, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "service %s: ok\n", action)
				return nil
			},
		}
		addRunFlags(sub)
		cmd.AddCommand(sub)
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run under the service manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := newService(cmd)
			if err != nil {
				return err
			}
			return s.Run()
		},
	}
	addRunFlags(run)
	cmd.AddCommand(run)
	return cmd
}
