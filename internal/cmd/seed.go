package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/robertof1lho/archestra-sub000/internal/store"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply a seed file (agents, tools, policies) to the store",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed file to apply")
	_ = seedCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	ctx, span := tracer.Start(ctx, "seed")
	defer span.End()

	seed, err := store.LoadSeed(seedFile)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.ApplySeed(ctx, seed); err != nil {
		return fmt.Errorf("applying seed: %w", err)
	}
	tools := 0
	for _, a := range seed.Agents {
		tools += len(a.Tools)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Seed applied: %s (%d agents, %d tools)\n", seedFile, len(seed.Agents), tools)
	return nil
}
