package initcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dmrelay/cmd/dmrelay/internal"
	"github.com/tinyland-inc/dmrelay/pkg/config"
)

func NewInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config template to ~/.dmrelay/config.json",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return initCmd(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func initCmd(force bool) error {
	path := internal.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return fmt.Errorf("error writing config: %w", err)
	}

	fmt.Printf("✓ Config written to %s\n", path)
	fmt.Println("Fill in account credentials and the telegram token before running `dmrelay run`.")
	return nil
}
