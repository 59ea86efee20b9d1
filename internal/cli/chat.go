package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/reactor/internal/config"
)

var (
	chatStream bool
	chatResume bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation with the configured agents",
	Long: `Starts an interactive conversation. Each line is one turn for the
active agent; the model may call tools or transfer the conversation to
another agent between turns. Use --resume to continue a run that was
interrupted mid-turn.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVar(&chatStream, "stream", true, "stream responses as they are generated")
	chatCmd.Flags().BoolVar(&chatResume, "resume", false, "resume an interrupted run before reading input")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.LoadAndValidate()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.janitor != nil {
		rt.janitor.Start()
	}
	if rt.gateway != nil {
		if err := rt.gateway.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rt.gateway.Stop(ctx)
		}()
	}

	watcher, err := config.NewWatcher(loader, func(newCfg *config.Config) {
		rt.log.Info().Msg("Configuration changed on disk; restart to apply")
	}, rt.log.GetZerolog())
	if err == nil {
		if err := watcher.Start(); err == nil {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	if chatResume {
		fmt.Fprintln(out, "Resuming interrupted run...")
		if err := runTurn(ctx, rt, "", true, out); err != nil {
			fmt.Fprintf(out, "resume failed: %v\n", err)
		}
	}

	fmt.Fprintf(out, "Connected to agent %q. Type a message, or \"exit\" to quit.\n", rt.coordinator.ActiveAgent())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprintf(out, "%s> ", rt.coordinator.ActiveAgent())
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if line == "/status" {
			status := rt.tracker.Snapshot()
			fmt.Fprintf(out, "running=%v step=%q iteration=%d\n",
				status.IsRunning, status.CurrentStep, status.Iteration)
			continue
		}

		if err := runTurn(ctx, rt, line, false, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}

	return scanner.Err()
}

func runTurn(ctx context.Context, rt *runtime, prompt string, resume bool, out io.Writer) error {
	if resume {
		resp, err := rt.coordinator.Resume(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Content)
		return nil
	}

	if !chatStream {
		resp, err := rt.coordinator.Run(ctx, prompt)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, resp.Content)
		return nil
	}

	for event := range rt.coordinator.RunStream(ctx, prompt) {
		if event.Err != nil {
			fmt.Fprintln(out)
			return event.Err
		}
		if event.TextDelta != "" {
			fmt.Fprint(out, event.TextDelta)
		}
	}
	fmt.Fprintln(out)
	return nil
}
