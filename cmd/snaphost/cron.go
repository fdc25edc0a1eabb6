package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/snaphost/internal/snapperm"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cronjob expression tools",
	}

	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next fire times of a cronjob expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("count")
			if n <= 0 {
				return fmt.Errorf("count must be positive, got %d", n)
			}
			sched, err := snapperm.ParseCronExpression(args[0])
			if err != nil {
				return err
			}
			t := time.Now()
			for range n {
				t = sched.Next(t)
				if t.IsZero() {
					break
				}
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	next.Flags().IntP("count", "n", 5, "Number of fire times to print")
	cmd.AddCommand(next)
	return cmd
}
