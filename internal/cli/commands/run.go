package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/daemon"
	"github.com/wvuRc2/rc2compute/internal/util"
)

var runDetach bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a sync session",
	Long: `Loads every workspace file into the working directory, then keeps both sides
in sync until stopped with Ctrl-C, SIGTERM or 'rc2sync stop'.

Examples:
  rc2sync run --database-dsn ./rc2.db --workspace-id 4 --working-dir ./work
  rc2sync run --detach`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "Run in the background")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := settings.ValidateSession(); err != nil {
		return err
	}
	sock := settings.ControlSocket()
	if daemon.IsRunning(sock) {
		return fmt.Errorf("a session for workspace %d is already running", settings.WorkspaceID)
	}
	daemon.CleanupStale(settings)

	if runDetach {
		pid, err := util.StartDetached(cmd.Context(), util.DetachConfig{
			Notify: true,
			Wait:   util.SessionStartWait,
		}, func() bool { return daemon.IsRunning(sock) }, withoutDetach(os.Args[1:]))
		if err != nil {
			return err
		}
		fmt.Printf("Session started (PID %d)\n", pid)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := daemon.NewSession(settings)
	s.WritePidFile = true
	return s.Run(ctx)
}

// withoutDetach drops the detach flag so the child runs in the foreground.
func withoutDetach(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch a {
		case "-d", "--detach", "--detach=true":
			continue
		}
		out = append(out, a)
	}
	return out
}
