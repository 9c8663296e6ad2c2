package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochsim/internal/archive"
)

var runsFlags struct {
	archive string
	limit   int
	asJSON  bool
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect archived runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.List(runsFlags.limit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN ID\tSTARTED\tSEED\tREPLICATIONS\tE2E MEAN")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.5fs\n",
				e.RunID, e.StartedAt.Format("2006-01-02 15:04:05"), e.Seed, e.Replications, e.EndToEndMean)
		}
		return tw.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print an archived run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Get(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if runsFlags.asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		return printResult(out, res)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Remove an archived run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openArchive()
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Get(args[0]); err != nil {
			return err
		}
		if err := a.Delete(args[0]); err != nil {
			return fmt.Errorf("delete run %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

func init() {
	runsCmd.PersistentFlags().StringVar(&runsFlags.archive, "archive", "", "bbolt archive file (default run.archive)")
	runsListCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "maximum runs to list (0 = all)")
	runsShowCmd.Flags().BoolVar(&runsFlags.asJSON, "json", false, "print the full result as JSON")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

// openArchive opens --archive, falling back to run.archive from the config.
func openArchive() (*archive.Archive, error) {
	path := runsFlags.archive
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Run.Archive
	}
	if path == "" {
		return nil, errors.New("no archive configured: pass --archive or set run.archive")
	}
	return archive.Open(path)
}
