package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/daemon"
)

var filesJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			resp, err := c.Status()
			if err != nil {
				return err
			}
			if filesJSON {
				return json.NewEncoder(os.Stdout).Encode(resp)
			}
			fmt.Printf("Session %s (PID %d)\n", resp.SessionID, resp.PID)
			fmt.Println(resp.Message)
			if st := resp.Stats; st != nil {
				fmt.Printf("  files: %d (watched %d)\n", st.Files, st.Watched)
				fmt.Printf("  images: %d pending, %d in batch %d\n", st.PendingImages, st.CapturedImages, st.ImageBatch)
				if st.NotificationsSuppressed {
					fmt.Println("  notifications: suppressed")
				}
				if st.FileEventsPaused {
					fmt.Println("  file events: paused")
				}
			}
			return nil
		})
	},
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List the files tracked by the running session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			files, err := c.Files()
			if err != nil {
				return err
			}
			if filesJSON {
				return json.NewEncoder(os.Stdout).Encode(files)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSIZE\tMODIFIED\tPATH")
			for _, f := range files {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", f.ID, f.Version, f.Size,
					time.Unix(f.LastModified, 0).Format(time.DateTime), f.Path)
			}
			return w.Flush()
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a working directory file to the workspace",
	Long:  `Returns the id of the named file, inserting it (empty if missing on disk) when the workspace has none.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			id, err := c.AddFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify <payload>",
	Short: "Apply a change notification payload",
	Long: `Feeds one payload to the session as if it arrived from the database.

Payloads: i<id>/<workspace>[/<project>], u<id>/<workspace>[/<project>], d<id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error { return c.Notify(args[0]) })
	},
}

var suppressCmd = &cobra.Command{
	Use:       "suppress <on|off>",
	Short:     "Ignore or resume database change notifications",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c *daemon.Client) error { return c.Suppress(on) })
	},
}

var pauseCmd = &cobra.Command{
	Use:       "pause <on|off>",
	Short:     "Stop or resume reading working directory events",
	Long:      `While paused, changes in the working directory are queued and synced on resume.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return withClient(func(c *daemon.Client) error { return c.PauseEvents(on) })
	},
}

func parseOnOff(arg string) (bool, error) {
	switch arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func init() {
	statusCmd.Flags().BoolVar(&filesJSON, "json", false, "Print JSON")
	filesCmd.Flags().BoolVar(&filesJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(statusCmd, filesCmd, addCmd, notifyCmd, suppressCmd, pauseCmd)
}
