package commands

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/daemon"
	"github.com/wvuRc2/rc2compute/internal/engine"
	"github.com/wvuRc2/rc2compute/internal/reactor"
	"github.com/wvuRc2/rc2compute/internal/storage"
	"github.com/wvuRc2/rc2compute/internal/watch"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Write every workspace file into the working directory",
	Long: `Loads the workspace once without watching. When a session is running for
the workspace it is asked to reload instead.`,
	Args: cobra.NoArgs,
	RunE: runLoad,
}

var saveDataCmd = &cobra.Command{
	Use:   "save-data",
	Short: "Store the working directory's " + engine.WorkspaceDataFile + " in the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error { return c.SaveData() })
	},
}

var loadDataCmd = &cobra.Command{
	Use:   "load-data",
	Short: "Restore " + engine.WorkspaceDataFile + " from the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			loaded, err := c.LoadData()
			if err != nil {
				return err
			}
			if !loaded {
				fmt.Println("Workspace has no saved data")
			}
			return nil
		})
	},
}

var initDBCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the sync tables, sequences and triggers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := openGateway(cmd.Context())
		if err != nil {
			return err
		}
		defer gw.Close()
		if err := gw.InitSchema(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("Schema version %s ready\n", storage.SchemaVersion)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd, saveDataCmd, loadDataCmd, initDBCmd)
}

func openGateway(ctx context.Context) (*storage.Gateway, error) {
	if settings.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	return storage.Open(ctx, storage.Options{
		Driver:      storage.Dialect(settings.Database.Driver),
		DSN:         settings.Database.DSN,
		BusyTimeout: settings.Database.BusyTimeoutMS,
		Channel:     settings.NotifyChannel,
	})
}

func runLoad(cmd *cobra.Command, args []string) error {
	if err := settings.ValidateSession(); err != nil {
		return err
	}
	if daemon.IsRunning(settings.ControlSocket()) {
		return withClient(func(c *daemon.Client) error { return c.Reload() })
	}

	ctx := cmd.Context()
	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	// The loop never runs; LoadAll only needs it to schedule the echo timer.
	watcher := watch.NewManagerWithBackend(nil)
	eng := engine.New(reactor.New(), watcher, engine.Options{ProjectID: settings.ProjectID})
	eng.Initialize(gw, settings.WorkspaceID)
	if err := eng.SetWorkingDirectory(settings.WorkingDir); err != nil {
		return err
	}
	if err := eng.LoadAll(ctx); err != nil {
		return err
	}
	files := eng.CurrentFiles()
	log.WithField("files", len(files)).Debug("load: done")
	fmt.Printf("Loaded %d files into %s\n", len(files), eng.WorkingDirectory())
	return nil
}
