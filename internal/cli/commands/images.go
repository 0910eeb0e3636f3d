package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wvuRc2/rc2compute/internal/daemon"
)

var resetImagesCmd = &cobra.Command{
	Use:   "reset-images",
	Short: "Finish the current image batch and print its image ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error {
			ids, batch, err := c.ResetImages()
			if err != nil {
				return err
			}
			fmt.Printf("batch %d: %d images\n", batch, len(ids))
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var flushImagesCmd = &cobra.Command{
	Use:   "flush-images",
	Short: "Store pending images that already hold data and drop the rest",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error { return c.FlushImages() })
	},
}

var checkImagesCmd = &cobra.Command{
	Use:   "check-images",
	Short: "Store pending images that already hold data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *daemon.Client) error { return c.CheckImages() })
	},
}

func init() {
	rootCmd.AddCommand(resetImagesCmd, flushImagesCmd, checkImagesCmd)
}
