// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wvuRc2/rc2compute/internal/config"
	"github.com/wvuRc2/rc2compute/internal/daemon"
	"github.com/wvuRc2/rc2compute/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var (
	configFile string
	vip        *viper.Viper
	settings   *config.Settings
	logCloser  io.Closer
)

// settings keys that may be given as persistent flags
var flagKeys = []string{
	"database.driver", "database.dsn", "workspace_id", "project_id", "session_id",
	"working_dir", "socket_path", "log_level", "log_file",
}

var rootCmd = &cobra.Command{
	Use:   "rc2sync",
	Short: "Keep a session working directory in sync with database files",
	Long: `rc2sync mirrors the files of one workspace between a database and a local
working directory. Local edits, creations and deletions are written to the
database; changes made by other clients arrive as notifications and are
written to disk. Images produced by the session are stored as session images.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		v, err := config.New()
		if err != nil {
			return err
		}
		if err := config.ReadFile(v, configFile); err != nil {
			return err
		}
		if err := config.BindFlags(v, cmd.Flags(), flagKeys...); err != nil {
			return err
		}
		s, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			return err
		}
		closer, err := logging.Setup(logging.Options{
			Level:      s.LogLevel,
			File:       s.LogFile,
			MaxSizeMB:  s.LogMaxSizeMB,
			MaxBackups: s.LogMaxBackups,
		})
		if err != nil {
			return err
		}
		vip, settings, logCloser = v, s, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("rc2sync version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "Settings file (default: ~/.rc2sync/settings.yaml)")
	pf.String("database-driver", "", "Database driver: sqlite or postgres")
	pf.String("database-dsn", "", "SQLite file path or postgres URL")
	pf.Int64("workspace-id", 0, "Workspace to sync")
	pf.Int64("project-id", 0, "Project whose shared files are synced")
	pf.Int64("session-id", 0, "Session that captured images belong to")
	pf.String("working-dir", "", "Local working directory")
	pf.String("socket-path", "", "Control socket of the session")
	pf.String("log-level", "", "Log level: trace, debug, info, warn, off")
	pf.String("log-file", "", "Log to this file instead of stderr")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// withClient connects to the running session of the configured workspace.
func withClient(fn func(c *daemon.Client) error) error {
	c, err := daemon.Connect(settings.ControlSocket())
	if err != nil {
		return fmt.Errorf("no sync session running for workspace %d (socket %s)", settings.WorkspaceID, settings.ControlSocket())
	}
	defer c.Close()
	return fn(c)
}
