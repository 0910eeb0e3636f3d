package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/daemon"
	"github.com/wvuRc2/rc2compute/internal/util"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sync session",
	Long:  `Asks the session to store pending images and exit, killing it after --timeout.`,
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Second, "How long to wait before killing the session")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	sock := settings.ControlSocket()
	if !daemon.IsRunning(sock) {
		fmt.Println("Session not running")
		daemon.CleanupStale(settings)
		return nil
	}

	pid, _ := daemon.ReadPid(settings.PidPath())
	graceful := func() error {
		return withClient(func(c *daemon.Client) error {
			_, err := c.Stop()
			return err
		})
	}
	isRunning := func() bool {
		return daemon.IsRunning(sock) || (pid > 0 && util.IsProcessRunning(pid))
	}
	if err := util.StopProcess(cmd.Context(), pid, stopTimeout, graceful, isRunning); err != nil {
		return err
	}
	fmt.Println("Session stopped")
	return nil
}
