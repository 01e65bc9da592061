package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/helix"
	"github.com/Guliveer/twitch-eventsub-go/internal/model"
	"github.com/Guliveer/twitch-eventsub-go/internal/workerpool"
)

func newSubscriptionsCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect or clean up EventSub subscriptions on Twitch",
	}
	cmd.AddCommand(newSubscriptionsListCmd(v), newSubscriptionsDeleteAllCmd(v))
	return cmd
}

// withHelix loads the config, authenticates and hands fn a Helix client.
func withHelix(ctx context.Context, v *viper.Viper, fn func(*helix.Client) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	log, err := setupLogger(v, cfg, os.Stderr)
	if err != nil {
		return err
	}
	store, err := newTokenStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	return fn(newHelix(store, cfg, nil, log))
}

func newSubscriptionsListCmd(v *viper.Viper) *cobra.Command {
	var (
		filter helix.ListFilter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions visible to the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHelix(cmd.Context(), v, func(hx *helix.Client) error {
				subs, err := hx.AllEventSubSubscriptions(cmd.Context(), filter)
				if err != nil {
					return fmt.Errorf("listing subscriptions: %w", err)
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(subs)
				}
				return printSubscriptions(cmd.OutOrStdout(), subs)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "only subscriptions with this status")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only subscriptions of this type")
	cmd.Flags().StringVar(&filter.UserID, "user-id", "", "only subscriptions whose condition references this user")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printSubscriptions(w io.Writer, subs []model.Subscription) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tVERSION\tSTATUS\tTRANSPORT\tCONDITION")
	for _, s := range subs {
		cond := make([]string, 0, len(s.Condition))
		for _, k := range slices.Sorted(maps.Keys(s.Condition)) {
			if val := s.Condition[k]; val != "" {
				cond = append(cond, k+"="+val)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Type, s.Version, s.Status, s.Transport.Method, strings.Join(cond, ","))
	}
	fmt.Fprintf(tw, "\n%d subscriptions\n", len(subs))
	return tw.Flush()
}

func newSubscriptionsDeleteAllCmd(v *viper.Viper) *cobra.Command {
	var (
		filter helix.ListFilter
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every subscription visible to the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHelix(cmd.Context(), v, func(hx *helix.Client) error {
				ctx := cmd.Context()
				subs, err := hx.AllEventSubSubscriptions(ctx, filter)
				if err != nil {
					return fmt.Errorf("listing subscriptions: %w", err)
				}
				out := cmd.OutOrStdout()
				if len(subs) == 0 {
					fmt.Fprintln(out, "No subscriptions to delete.")
					return nil
				}
				if !yes {
					fmt.Fprintf(out, "Would delete %d subscriptions; pass --yes to proceed.\n", len(subs))
					return nil
				}

				ids := make([]string, len(subs))
				for i, s := range subs {
					ids[i] = s.ID
				}
				err = workerpool.Run(ctx, ids, constants.DefaultDeleteWorkers, func(ctx context.Context, id string) error {
					if err := hx.DeleteEventSubSubscription(ctx, id); err != nil {
						return fmt.Errorf("deleting %s: %w", id, err)
					}
					return nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d subscriptions.\n", len(ids))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "only subscriptions with this status")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only subscriptions of this type")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "actually delete")
	return cmd
}
