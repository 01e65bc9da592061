package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Guliveer/twitch-eventsub-go/internal/auth"
	"github.com/Guliveer/twitch-eventsub-go/internal/config"
)

var defaultScopes = []string{
	"moderator:read:followers",
	"channel:read:subscriptions",
	"bits:read",
	"chat:read",
	"chat:edit",
	"user:read:chat",
}

func newAuthCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored user token",
	}
	cmd.AddCommand(newAuthLoginCmd(v), newAuthStatusCmd(v))
	return cmd
}

func newAuthLoginCmd(v *viper.Viper) *cobra.Command {
	var scopes []string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a user token with the device code flow and save it to auth.token_file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Credentials are what this command produces, so only the
			// pieces the flow itself needs are checked.
			cfg, err := config.Load(v.GetString("config"))
			if err != nil {
				return err
			}
			if cfg.ClientID == "" {
				return errors.New("client_id is required (use env var TWITCH_CLIENT_ID)")
			}
			if cfg.Auth.TokenFile == "" {
				return errors.New("auth.token_file must be set to store the token")
			}

			log, err := setupLogger(v, cfg, os.Stderr)
			if err != nil {
				return err
			}
			store := auth.NewStore(auth.Options{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenFile:    cfg.Auth.TokenFile,
			}, log)
			if err := store.DeviceCodeLogin(cmd.Context(), scopes, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s, token saved to %s\n", store.Login(), cfg.Auth.TokenFile)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scopes", defaultScopes, "OAuth scopes to request")
	return cmd
}

func newAuthStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the configured token and show who it belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := setupLogger(v, cfg, os.Stderr)
			if err != nil {
				return err
			}
			store, err := newTokenStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			login := store.Login()
			if login == "" {
				login = "(app token)"
			}
			fmt.Fprintf(out, "Login:   %s\n", login)
			fmt.Fprintf(out, "User ID: %s\n", store.UserID())
			fmt.Fprintf(out, "Scopes:  %s\n", strings.Join(store.Scopes(), " "))
			if exp := store.Token().ExpiresAt; !exp.IsZero() {
				fmt.Fprintf(out, "Expires: %s\n", exp.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
