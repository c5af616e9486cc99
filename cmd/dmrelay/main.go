package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal"
	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal/initcmd"
	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal/run"
	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal/version"
)

func NewDmrelayCommand() *cobra.Command {
	short := fmt.Sprintf("%s dmrelay - DM network to Telegram relay v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "dmrelay",
		Short:   short,
		Example: "dmrelay run",
	}

	cmd.AddCommand(
		run.NewRunCommand(),
		initcmd.NewInitCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewDmrelayCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
