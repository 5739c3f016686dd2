package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrdadan/formfuzz/internal/browser"
	"github.com/ahrdadan/formfuzz/internal/config"
)

func newBrowserCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Manage the Chrome build used for runs",
	}

	install := &cobra.Command{
		Use:   "install",
		Short: "Download Chromium unless one is already available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := browser.InstallChrome(cmd.Context(), c.cfg.Browser.Revision)
			if err != nil {
				return err
			}
			c.logger.Info("Chrome ready", zap.String("path", path))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
	install.Flags().Int("revision", 0, "Chromium revision (BROWSER_REVISION)")
	c.bind(install.Flags(), map[string]string{"revision": config.KeyBrowserRevision})

	cmd.AddCommand(install)
	return cmd
}
