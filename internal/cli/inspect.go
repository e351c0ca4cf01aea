package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Replicant-Partners/Chrysalis/internal/canonical"
	"github.com/Replicant-Partners/Chrysalis/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	DBPath   string
	Instance string // keep only events recorded by this origin
}

// InspectEvent is one persisted event as printed by inspect.
type InspectEvent struct {
	ID        string            `json:"id"`
	Origin    string            `json:"origin"`
	Kind      string            `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Clock     map[string]uint64 `json:"clock"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// InspectEntry is one persisted LWW register.
type InspectEntry struct {
	Key       string  `json:"key"`
	Value     any     `json:"value,omitempty"`
	Timestamp float64 `json:"timestamp"`
	Writer    string  `json:"writer"`
	Deleted   bool    `json:"deleted,omitempty"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Origins  []string       `json:"origins"`
	Events   []InspectEvent `json:"events"`
	Metrics  []InspectEntry `json:"metrics"`
	Metadata []InspectEntry `json:"metadata"`
	Clock    string         `json:"clock"`
	Digest   string         `json:"digest"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the replica persisted in a store",
		Long: `Print the events, metrics and metadata persisted in a node's store,
with the clock and state digest of the replica they restore to.

The digest matches the one reported by GET /status on a node holding
the same state, so two stores can be compared for convergence.

Examples:
  chrysalis-sync inspect --db ./data/node-a.db
  chrysalis-sync inspect --db ./data/node-a.db --instance node-b --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "show only events recorded by this instance")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, cmd.ErrOrStderr())
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	// store.Open creates missing files; inspecting must not.
	if _, err := os.Stat(opts.DBPath); err != nil {
		_ = f.Error(ErrCodeStore, fmt.Sprintf("database not found: %s", opts.DBPath), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}

	st, err := store.Open(opts.DBPath)
	if err != nil {
		_ = f.Error(ErrCodeStore, "failed to open database", err.Error())
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	f.VerboseLog("Inspecting %s", opts.DBPath)

	result, err := collectInspect(cmd, st, opts.Instance)
	if err != nil {
		_ = f.Error(ErrCodeStore, "failed to read database", err.Error())
		return WrapExitError(ExitCommandError, "failed to read database", err)
	}

	if opts.Format == "json" {
		return f.Success(result)
	}
	writeInspectText(cmd, result)
	return nil
}

func collectInspect(cmd *cobra.Command, st *store.Store, origin string) (*InspectResult, error) {
	ctx := cmd.Context()

	origins, err := st.Origins(ctx)
	if err != nil {
		return nil, err
	}
	events, err := st.ReadEvents(ctx, origin)
	if err != nil {
		return nil, err
	}
	metrics, err := st.ReadMetrics(ctx)
	if err != nil {
		return nil, err
	}
	metadata, err := st.ReadMetadata(ctx)
	if err != nil {
		return nil, err
	}
	// The owner id does not enter the digest.
	state, err := st.Restore(ctx, "inspect")
	if err != nil {
		return nil, err
	}

	result := &InspectResult{
		Origins:  origins,
		Events:   make([]InspectEvent, 0, len(events)),
		Metrics:  make([]InspectEntry, 0, len(metrics)),
		Metadata: make([]InspectEntry, 0, len(metadata)),
		Clock:    state.Clock().String(),
		Digest:   state.Digest(),
	}
	for _, e := range events {
		result.Events = append(result.Events, InspectEvent{
			ID:        e.ID,
			Origin:    e.Origin,
			Kind:      string(e.Kind),
			Timestamp: e.Timestamp,
			Clock:     e.Clock,
			Payload:   e.Payload,
		})
	}
	for _, k := range canonical.SortedKeys(metrics) {
		e := metrics[k]
		entry := InspectEntry{Key: k, Timestamp: e.Timestamp, Writer: e.Writer, Deleted: e.Deleted}
		if !e.Deleted {
			entry.Value = e.Value
		}
		result.Metrics = append(result.Metrics, entry)
	}
	for _, k := range canonical.SortedKeys(metadata) {
		e := metadata[k]
		entry := InspectEntry{Key: k, Timestamp: e.Timestamp, Writer: e.Writer, Deleted: e.Deleted}
		if !e.Deleted {
			entry.Value = e.Value
		}
		result.Metadata = append(result.Metadata, entry)
	}
	return result, nil
}

func writeInspectText(cmd *cobra.Command, r *InspectResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Origins: %s\n", strings.Join(r.Origins, ", "))
	fmt.Fprintf(w, "Clock:   %s\n", r.Clock)
	fmt.Fprintf(w, "Digest:  %s\n", r.Digest)

	fmt.Fprintf(w, "\nEvents (%d):\n", len(r.Events))
	for _, e := range r.Events {
		fmt.Fprintf(w, "  %s  %-8s %-22s %s\n", e.ID, e.Origin, e.Kind, string(e.Payload))
	}

	fmt.Fprintf(w, "\nMetrics (%d):\n", len(r.Metrics))
	for _, m := range r.Metrics {
		writeEntryText(cmd, m)
	}

	fmt.Fprintf(w, "\nMetadata (%d):\n", len(r.Metadata))
	for _, m := range r.Metadata {
		writeEntryText(cmd, m)
	}
}

func writeEntryText(cmd *cobra.Command, e InspectEntry) {
	w := cmd.OutOrStdout()
	if e.Deleted {
		fmt.Fprintf(w, "  %s  (deleted by %s)\n", e.Key, e.Writer)
		return
	}
	switch v := e.Value.(type) {
	case json.RawMessage:
		fmt.Fprintf(w, "  %s = %s  (%s)\n", e.Key, string(v), e.Writer)
	default:
		fmt.Fprintf(w, "  %s = %v  (%s)\n", e.Key, v, e.Writer)
	}
}
