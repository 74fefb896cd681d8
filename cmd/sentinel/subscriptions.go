package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/sentinel/internal/frequency"
	"github.com/user/sentinel/internal/storage"
)

var (
	flagFrequency string
	flagEvents    string
	flagOutput    string
)

var addCmd = &cobra.Command{
	Use:   "add owner/repo",
	Short: "Subscribe to a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, err := storage.ParseRepo(args[0])
		if err != nil {
			return err
		}
		freq, err := frequency.Parse(flagFrequency)
		if err != nil {
			return err
		}
		types := storage.DefaultEvents()
		if flagEvents != "" {
			if types, err = storage.ParseEventTypes(splitList(flagEvents)); err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		sub := storage.Subscription{Owner: owner, Repo: repo, Frequency: freq, EventTypes: types}
		if err := a.Core.Add(cmd.Context(), sub); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscribed to %s (%s)\n", sub.TaskID(), freq)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List subscriptions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		return printSubscriptions(cmd.OutOrStdout(), a.Core.List(), flagOutput)
	},
}

var removeCmd = &cobra.Command{
	Use:     "remove owner/repo",
	Aliases: []string{"rm"},
	Short:   "Unsubscribe from a repository",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, err := storage.ParseRepo(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.Core.Remove(cmd.Context(), owner, repo); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed from %s\n", storage.TaskID(owner, repo))
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update repo|owner/repo",
	Short: "Change the frequency or event types of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, err := storage.ParseRepo(args[0])
		if err != nil {
			// A bare repo name is matched on its own.
			owner, repo = "", args[0]
		}

		var patch storage.Patch
		if cmd.Flags().Changed("frequency") {
			freq, err := frequency.Parse(flagFrequency)
			if err != nil {
				return err
			}
			patch.Frequency = &freq
		}
		if flagEvents != "" {
			if patch.EventTypes, err = storage.ParseEventTypes(splitList(flagEvents)); err != nil {
				return err
			}
		}
		if patch.Frequency == nil && patch.EventTypes == nil {
			return fmt.Errorf("nothing to update, pass --frequency or --events")
		}

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()
		sub, err := a.Core.Update(cmd.Context(), owner, repo, patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s)\n", sub.TaskID(), sub.Frequency)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{addCmd, updateCmd} {
		c.Flags().StringVarP(&flagFrequency, "frequency", "f", "daily", "daily, weekly or a YYYY-MM-DD~YYYY-MM-DD range")
		c.Flags().StringVarP(&flagEvents, "events", "e", "", "comma-separated event types (issues, pr, commits, releases, ...)")
	}
	listCmd.Flags().StringVarP(&flagOutput, "output", "o", "table", "output format: table, json or yaml")
}

func printSubscriptions(w io.Writer, subs []storage.Subscription, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(subs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(subs)
	case "table", "":
		if len(subs) == 0 {
			fmt.Fprintln(w, "No subscriptions.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "REPOSITORY\tFREQUENCY\tEVENTS")
		for _, s := range subs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", s.TaskID(), s.Frequency, eventNames(s.Events()))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func eventNames(types []storage.EventType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
