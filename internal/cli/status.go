package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/reactor/internal/config"
	"github.com/harun/reactor/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured agents and any resumable run",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agents: %d\n", len(cfg.Agents))
	for _, ac := range cfg.Agents {
		fmt.Fprintf(out, "  %s (model %s)\n", ac.Name, ac.Model)
	}
	fmt.Fprintf(out, "Providers: %d\n", len(cfg.Providers))

	storePath, err := resolveStorePath(cfg)
	if err != nil {
		return err
	}
	db, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer db.Close()

	count, err := db.MessageCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored messages: %d\n", count)

	cp, err := db.LoadCheckpoint()
	if err != nil {
		return err
	}
	if cp == nil {
		fmt.Fprintln(out, "Resumable run: none")
	} else {
		fmt.Fprintf(out, "Resumable run: %s (iteration %d, step %q)\n", cp.RunID, cp.Iteration, cp.CurrentStep)
	}

	return nil
}
