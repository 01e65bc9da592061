package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Guliveer/twitch-eventsub-go/internal/config"
	"github.com/Guliveer/twitch-eventsub-go/internal/notify"
)

func newNotifyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Check notification providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Send a test message to every enabled provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only the notifications section matters here.
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			log, err := setupLogger(v, cfg, os.Stderr)
			if err != nil {
				return err
			}
			d := notify.NewDispatcher(cfg.Notifications, log)
			if !d.HasNotifiers() {
				return errors.New("no notification provider is enabled")
			}
			if err := d.Test(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent.")
			return nil
		},
	})
	return cmd
}
