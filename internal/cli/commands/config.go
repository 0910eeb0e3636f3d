package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective settings",
	Long: `Prints the settings after defaults, the settings file, RC2SYNC_ environment
variables and flags are applied.

Examples:
  # Show effective settings
  rc2sync config

  # Write the settings template to ~/.rc2sync/settings.yaml
  rc2sync config init

  # Persist the effective settings, including flags given now
  rc2sync config save --database-dsn /srv/rc2/rc2.db --workspace-id 4`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.Render(vip)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory and settings template",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.InitConfigDir()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Write the effective settings to the settings file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if path == "" {
			path = config.SettingsPath()
		}
		if err := config.Save(vip, path); err != nil {
			return err
		}
		fmt.Printf("Settings saved to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configSaveCmd)
	rootCmd.AddCommand(configCmd)
}
