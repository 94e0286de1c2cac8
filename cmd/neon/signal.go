package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/types"
)

var signalReason string

var signalCmd = &cobra.Command{
	Use:   "signal <machine-id> <approve|reject|cancel|pause|resume>",
	Short: "Send a signal to a run, case, or agent-run machine",
	Long: `Signals are persisted durably before delivery: a machine that is
suspended (awaiting approval) or restarted later still observes the signal.`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

func runSignal(cmd *cobra.Command, args []string) error {
	machineID, err := types.ParseID(args[0])
	if err != nil {
		return fmt.Errorf("invalid machine id: %w", err)
	}

	sigType := store.SignalType(args[1])
	if !sigType.IsValid() {
		return fmt.Errorf("unknown signal type %q (want approve, reject, cancel, pause, or resume)", args[1])
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// Verify the target exists before recording the signal.
	snap, err := st.LoadSnapshot(cmd.Context(), machineID)
	if err != nil {
		return err
	}

	hub := runtime.NewSignalHub(st)
	if err := hub.Send(cmd.Context(), machineID, sigType, signalReason); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s %s (status %s)\n",
		sigType, snap.Kind, machineID, snap.Status)
	return nil
}

func init() {
	signalCmd.Flags().StringVar(&signalReason, "reason", "", "Human-readable reason recorded with the signal")
}
