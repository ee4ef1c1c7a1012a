package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"midnight-ledger/internal/partition"
	"midnight-ledger/internal/vm"
)

// fixtureProgram builds a small program with n checkpoints, enough to show
// the partitioner choosing a guaranteed/fallible split point.
func fixtureProgram(checkpoints int) []vm.Instruction {
	program := make([]vm.Instruction, 0, checkpoints*2)
	for i := 0; i < checkpoints; i++ {
		program = append(program, vm.Instruction{Op: vm.OpNoop}, vm.Instruction{Op: vm.OpCkpt})
	}
	return program
}

func partitionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "partition", Short: "Run the transcript partitioner over a fixture program"}

	var checkpoints int
	run := &cobra.Command{
		Use:   "run",
		Short: "Partition a synthetic single-call transcript and print the guaranteed/fallible split",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := vm.NewQueryContext([32]byte{1}, nil)
			calls := []partition.PreTranscript{
				{Context: ctx, Program: fixtureProgram(checkpoints)},
			}

			results, err := partition.Partition(calls)
			if err != nil {
				return err
			}

			for i, r := range results {
				guaranteed, fallible := 0, 0
				if r.Guaranteed != nil {
					guaranteed = len(r.Guaranteed.Program)
				}
				if r.Fallible != nil {
					fallible = len(r.Fallible.Program)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "call %d: guaranteed_instructions=%d fallible_instructions=%d\n", i, guaranteed, fallible)
			}
			return nil
		},
	}
	run.Flags().IntVar(&checkpoints, "checkpoints", 3, "number of checkpoints in the synthetic program")
	cmd.AddCommand(run)

	return cmd
}
