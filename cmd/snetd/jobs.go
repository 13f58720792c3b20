package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/singnet/snetd/ledger"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// JobsOptions holds flags for the jobs commands.
type JobsOptions struct {
	*RootOptions
	Format string
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JobsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job ledger",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List ledger records and the checkpoint",
		Long: `List every job record in the ledger at DB_PATH together with the last
processed block.

Example:
  snetd jobs list
  snetd jobs list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return runJobsList(cmd, opts)
		},
	}
	list.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(list)
	return cmd
}

type jobEntry struct {
	Address string `json:"address"`
	*ledger.JobRecord
}

type jobsListing struct {
	Checkpoint *uint64    `json:"checkpoint"`
	Jobs       []jobEntry `json:"jobs"`
}

func runJobsList(cmd *cobra.Command, opts *JobsOptions) error {
	cfg, logger, err := loadConfig(opts.RootOptions, false)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	l, err := ledger.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	listing := jobsListing{Jobs: []jobEntry{}}
	if cp, ok, err := l.Checkpoint(ctx); err != nil {
		return err
	} else if ok {
		listing.Checkpoint = &cp
	}

	err = l.Range(ctx, func(key string, rec *ledger.JobRecord) error {
		listing.Jobs = append(listing.Jobs, jobEntry{Address: key, JobRecord: rec})
		return nil
	})
	if err != nil {
		return err
	}

	return writeListing(cmd.OutOrStdout(), opts.Format, listing)
}

func writeListing(w io.Writer, format string, listing jobsListing) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	if listing.Checkpoint != nil {
		fmt.Fprintf(w, "checkpoint: %d\n", *listing.Checkpoint)
	} else {
		fmt.Fprintln(w, "checkpoint: (none)")
	}
	for _, job := range listing.Jobs {
		fmt.Fprintf(w, "%s  state=%s consumer=%s completed=%t\n",
			job.Address, job.State, job.Consumer, job.Completed)
	}
	fmt.Fprintf(w, "%d job(s)\n", len(listing.Jobs))
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
