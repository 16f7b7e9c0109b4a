package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/robertof1lho/archestra-sub000/internal/interaction"
)

var (
	interactionsAgent string
	interactionsLimit int
	interactionsSince time.Duration
)

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Inspect the signed interaction log",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE:  interactionsList,
}

var interactionsGetCmd = &cobra.Command{
	Use:   "get [interaction-id]",
	Short: "Print one interaction as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  interactionsGet,
}

var interactionsVerifyCmd = &cobra.Command{
	Use:   "verify [interaction-id]",
	Short: "Verify the HMAC signature of an interaction",
	Args:  cobra.ExactArgs(1),
	RunE:  interactionsVerify,
}

func init() {
	interactionsListCmd.Flags().StringVar(&interactionsAgent, "agent", "", "Filter by agent ID")
	interactionsListCmd.Flags().IntVar(&interactionsLimit, "limit", 20, "Maximum records to show")
	interactionsListCmd.Flags().DurationVar(&interactionsSince, "since", 0, "Only show interactions newer than this (e.g. 24h)")

	interactionsCmd.AddCommand(interactionsListCmd, interactionsGetCmd, interactionsVerifyCmd)
	rootCmd.AddCommand(interactionsCmd)
}

func withInteractionStore(cmd *cobra.Command, fn func(ctx context.Context, st *interaction.Store) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openInteractionStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

func interactionsList(cmd *cobra.Command, args []string) error {
	return withInteractionStore(cmd, func(ctx context.Context, st *interaction.Store) error {
		f := interaction.Filter{AgentID: interactionsAgent, Limit: interactionsLimit}
		if interactionsSince > 0 {
			f.From = time.Now().Add(-interactionsSince)
		}
		list, err := st.List(ctx, f)
		if err != nil {
			return fmt.Errorf("querying interactions: %w", err)
		}
		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No interactions found.")
			return nil
		}
		renderInteractionList(cmd.OutOrStdout(), list)
		return nil
	})
}

func interactionsGet(cmd *cobra.Command, args []string) error {
	return withInteractionStore(cmd, func(ctx context.Context, st *interaction.Store) error {
		it, err := st.Get(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(it)
	})
}

func interactionsVerify(cmd *cobra.Command, args []string) error {
	return withInteractionStore(cmd, func(ctx context.Context, st *interaction.Store) error {
		valid, err := st.Verify(ctx, args[0])
		if err != nil {
			return fmt.Errorf("verifying interaction: %w", err)
		}
		renderVerifyResult(cmd.OutOrStdout(), args[0], valid)
		if !valid {
			return fmt.Errorf("signature verification failed for %s", args[0])
		}
		return nil
	})
}

// renderInteractionList writes one line per interaction to w.
func renderInteractionList(w io.Writer, list []interaction.Interaction) {
	fmt.Fprintf(w, "Interactions (showing %d):\n\n", len(list))
	for i := range list {
		s := list[i].Summarize()
		status := "✓"
		switch {
		case s.Status >= 400:
			status = "✗"
		case s.Blocked:
			status = "⛔"
		}
		trust := "trusted"
		if !s.ContextTrusted {
			trust = "untrusted"
		}
		fmt.Fprintf(w, "  %s %s | %s | %s | %s | %d | %s | %d/%d tok | %dms\n",
			status,
			s.ID,
			s.Timestamp.Format("2006-01-02 15:04:05"),
			s.AgentID,
			s.Model,
			s.Status,
			trust,
			s.InputTokens,
			s.OutputTokens,
			s.DurationMS,
		)
	}
}

func renderVerifyResult(w io.Writer, id string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Interaction %s: signature VALID (HMAC-SHA256 intact)\n", id)
	} else {
		fmt.Fprintf(w, "✗ Interaction %s: signature INVALID (possible tampering)\n", id)
	}
}
