// Command kbctl triggers and inspects knowledge builds on a nuka-kb server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
		asJSON  bool
	)
	cli := func() *client { return newClient(server, timeout) }

	cmd := &cobra.Command{
		Use:          "kbctl",
		Short:        "Trigger and inspect knowledge builds",
		SilenceUsage: true,
	}
	def := os.Getenv("NUKA_KB_SERVER")
	if def == "" {
		def = "http://localhost:8090"
	}
	cmd.PersistentFlags().StringVar(&server, "server", def, "nuka-kb server URL")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Minute, "request timeout")
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output as JSON")

	out := func(c *cobra.Command) io.Writer { return c.OutOrStdout() }
	emit := func(c *cobra.Command, v interface{}, text func(io.Writer)) error {
		if asJSON {
			enc := json.NewEncoder(out(c))
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		text(out(c))
		return nil
	}

	buildCmd := func(use, short string, full bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [owner]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				sum, err := cli().build(c.Context(), args[0], full)
				if err != nil {
					return err
				}
				return emit(c, sum, func(w io.Writer) { printSummary(w, sum) })
			},
		}
	}

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history [owner]",
		Short: "List recent build history entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			entries, err := cli().history(c.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return emit(c, entries, func(w io.Writer) { printHistory(w, entries) })
		},
	}
	historyCmd.Flags().IntVar(&limit, "limit", 20, "number of entries")

	cmd.AddCommand(
		buildCmd("build", "Run an incremental build", false),
		buildCmd("full", "Delete all artifacts and rebuild every record", true),
		historyCmd,
		&cobra.Command{
			Use:   "status [owner]",
			Short: "Show record and artifact counts",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				st, err := cli().status(c.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(c, st, func(w io.Writer) { printStatus(w, st) })
			},
		},
		&cobra.Command{
			Use:   "ingest [owner] [text...]",
			Short: "Add a memory record",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				rec, err := cli().ingest(c.Context(), args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return emit(c, rec, func(w io.Writer) { fmt.Fprintf(w, "Created record %s\n", rec.ID) })
			},
		},
		&cobra.Command{
			Use:   "delete [owner] [id...]",
			Short: "Delete memory records",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(c *cobra.Command, args []string) error {
				n, err := cli().deleteRecords(c.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				return emit(c, map[string]int{"deleted_count": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %d record(s)\n", n)
				})
			},
		},
		&cobra.Command{
			Use:   "ledger [owner]",
			Short: "List record ids registered on the ledger",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				ids, err := cli().ledgerIDs(c.Context(), args[0])
				if err != nil {
					return err
				}
				return emit(c, ids, func(w io.Writer) {
					for _, id := range ids {
						fmt.Fprintln(w, id)
					}
				})
			},
		},
		&cobra.Command{
			Use:   "watch [owner]",
			Short: "Stream build events until interrupted",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				return cli().watch(ctx, args[0], func(ev *buildSummary) {
					emit(c, ev, func(w io.Writer) {
						fmt.Fprintf(w, "[%s] %s build: ", time.Now().Format(time.TimeOnly), ev.BuildType)
						printSummary(w, ev)
					})
				})
			},
		},
	)
	return cmd
}

func printSummary(w io.Writer, s *buildSummary) {
	fmt.Fprintf(w, "%d record(s) built, %d/%d chunk(s) succeeded, %d failed\n",
		s.BuiltRecordCount, s.SuccessfulChunks, s.TotalChunks, s.FailedChunks)
	if s.Deleted != nil {
		fmt.Fprintf(w, "deleted artifacts: %d constants, %d predicates, %d facts\n",
			s.Deleted.Constants, s.Deleted.Predicates, s.Deleted.Facts)
	}
	for _, ch := range s.Chunks {
		if !ch.Success {
			fmt.Fprintf(w, "  chunk %d (%d records) failed: %s\n", ch.Index, len(ch.RecordIDs), ch.Error)
		}
	}
	if s.FailedChunks > 0 {
		fmt.Fprintln(w, "failed records stay pending; run build again to retry")
	}
}

func printStatus(w io.Writer, st *ownerStatus) {
	fmt.Fprintf(w, "owner:     %s (%s)\n", st.Owner, st.State)
	fmt.Fprintf(w, "records:   %d total, %d pending\n", st.TotalRecords, st.Pending)
	fmt.Fprintf(w, "artifacts: %d constants, %d predicates, %d facts\n",
		st.Artifacts.Constants, st.Artifacts.Predicates, st.Artifacts.Facts)
	if st.LastBuild != nil {
		fmt.Fprintf(w, "last:      %s %s at %s\n",
			st.LastBuild.BuildType, st.LastBuild.Status, st.LastBuild.CreatedAt.Format(time.RFC3339))
	}
}

func printHistory(w io.Writer, entries []historyEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tTYPE\tSTATUS\tRECORDS\tTOKENS\tNEW FACTS\tDURATION\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.CreatedAt.Format(time.RFC3339), e.BuildType, e.Status, e.RecordCount, e.TokenCount,
			len(e.NewFactIDs), time.Duration(e.DurationMs)*time.Millisecond, e.ErrorMessage)
	}
	tw.Flush()
}
