package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neon-ai/neon/internal/evalrun"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/types"
)

var (
	statusKind   string
	statusFilter string
)

var statusCmd = &cobra.Command{
	Use:   "status [machine-id]",
	Short: "Show machine status and run progress",
	Long: `With a machine id, prints that machine's snapshot status. Without
one, lists persisted machines of the given kind. Reads are snapshots and
never block on in-flight work.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 1 {
		return showMachine(cmd, st, args[0])
	}
	return listMachines(cmd, st)
}

func showMachine(cmd *cobra.Command, st store.Store, rawID string) error {
	machineID, err := types.ParseID(rawID)
	if err != nil {
		return fmt.Errorf("invalid machine id: %w", err)
	}

	snap, err := st.LoadSnapshot(cmd.Context(), machineID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Machine:  %s\n", snap.MachineID)
	fmt.Fprintf(out, "Kind:     %s\n", snap.Kind)
	fmt.Fprintf(out, "Status:   %s\n", snap.Status)
	fmt.Fprintf(out, "Archived: %t\n", snap.Archived)
	fmt.Fprintf(out, "Updated:  %s\n", snap.UpdatedAt.Format("2006-01-02 15:04:05"))

	if keys, err := st.JournalKeys(cmd.Context(), machineID); err == nil {
		fmt.Fprintf(out, "Journal:  %d completed activities\n", len(keys))
	}

	if snap.Kind == store.KindEvalRun {
		var state evalrun.State
		if err := json.Unmarshal(snap.State, &state); err == nil {
			fmt.Fprintf(out, "Progress: %d/%d completed (%d passed, %d failed)\n",
				state.Progress.Completed, state.Progress.Total,
				state.Progress.Passed, state.Progress.Failed)
			if state.Summary != nil {
				fmt.Fprintf(out, "Summary:  %d/%d passed, avg score %.3f\n",
					state.Summary.Passed, state.Summary.Total, state.Summary.AvgScore)
			}
		}
	}
	return nil
}

func listMachines(cmd *cobra.Command, st store.Store) error {
	kind := store.Kind(statusKind)
	switch kind {
	case store.KindAgentRun, store.KindEvalCase, store.KindEvalRun:
	default:
		return fmt.Errorf("unknown kind %q (want agent_run, eval_case, or eval_run)", statusKind)
	}

	snaps, err := st.ListSnapshots(cmd.Context(), kind, statusFilter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MACHINE ID\tSTATUS\tARCHIVED\tUPDATED")
	for _, snap := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
			snap.MachineID, snap.Status, snap.Archived,
			snap.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().StringVar(&statusKind, "kind", string(store.KindEvalRun), "Machine kind to list: agent_run, eval_case, eval_run")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter listed machines by status")
}
