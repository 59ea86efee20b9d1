package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/harun/reactor/internal/config"
	"github.com/harun/reactor/internal/logger"
	"github.com/harun/reactor/internal/metrics"
	"github.com/harun/reactor/pkg/agent"
	"github.com/harun/reactor/pkg/coordinator"
	"github.com/harun/reactor/pkg/gateway"
	"github.com/harun/reactor/pkg/history"
	"github.com/harun/reactor/pkg/llm"
	"github.com/harun/reactor/pkg/store"
	"github.com/harun/reactor/pkg/toolexecutor"
)

// runtime is the assembled application: every component wired from one
// validated config
type runtime struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	store   *store.SQLite
	janitor *store.Janitor
	memory  *history.Manager

	client      llm.Client
	coordinator *coordinator.Coordinator
	tracker     *agent.StateTracker
	gateway     *gateway.Server
}

// buildRuntime wires the full component graph. Components start
// stopped; the caller decides what to run.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	r := &runtime{cfg: cfg, metrics: metrics.New()}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.File == "",
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	r.log = lg

	profile, err := selectProvider(cfg.Providers)
	if err != nil {
		r.Close()
		return nil, err
	}
	client, err := llm.New(llm.Config{
		Provider: profile.Provider,
		APIKey:   profile.APIKey,
		BaseURL:  profile.BaseURL,
		Metrics:  r.metrics,
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create %s client: %w", profile.Provider, err)
	}
	r.client = client

	storePath, err := resolveStorePath(cfg)
	if err != nil {
		r.Close()
		return nil, err
	}
	db, err := store.Open(storePath)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.store = db

	if cfg.Store.JanitorSchedule != "" {
		janitor, err := store.NewJanitor(db, cfg.Store.JanitorSchedule, cfg.Store.RetainMessages)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.janitor = janitor
	}

	r.memory = history.New(history.Config{
		ShortTermLimit: cfg.Memory.ShortTermLimit,
		LongTermLimit:  cfg.Memory.LongTermLimit,
		Client:         client,
		Model:          cfg.Agents[0].Model,
		Store:          db,
		Metrics:        r.metrics,
	})
	if err := r.memory.Init(); err != nil {
		r.Close()
		return nil, err
	}

	// All agents share one memory and one tracker so a handoff carries
	// the full history and the gateway sees every run
	r.tracker = agent.NewStateTracker()

	loops := make([]*agent.Loop, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		loop, err := agent.New(agent.Config{
			Name:         ac.Name,
			Instructions: ac.Instructions,
			Client:       client,
			Executor:     toolexecutor.New(),
			Memory:       r.memory,
			Options: llm.Options{
				Model:       ac.Model,
				Temperature: ac.Temperature,
				MaxTokens:   ac.MaxTokens,
			},
			MaxIterations: ac.MaxIterations,
			Tracker:       r.tracker,
			Metrics:       r.metrics,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to create agent %s: %w", ac.Name, err)
		}
		loops = append(loops, loop)
	}

	coord, err := coordinator.New(loops...)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.coordinator = coord

	if cfg.Gateway.Enabled {
		gw, err := gateway.New(gateway.Config{
			Host:    cfg.Gateway.Host,
			Port:    cfg.Gateway.Port,
			Tracker: r.tracker,
			Metrics: r.metrics,
		})
		if err != nil {
			r.Close()
			return nil, err
		}
		r.gateway = gw
	}

	return r, nil
}

// Close releases everything buildRuntime acquired, tolerating a
// partially built runtime
func (r *runtime) Close() {
	if r.janitor != nil {
		r.janitor.Stop()
	}
	if r.client != nil {
		r.client.Close()
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.log != nil {
		r.log.Close()
	}
}

// selectProvider picks the profile with the lowest priority number
func selectProvider(profiles []config.ProviderProfile) (config.ProviderProfile, error) {
	if len(profiles) == 0 {
		return config.ProviderProfile{}, fmt.Errorf("no provider profiles configured")
	}
	sorted := make([]config.ProviderProfile, len(profiles))
	copy(sorted, profiles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted[0], nil
}

func resolveStorePath(cfg *config.Config) (string, error) {
	if cfg.Store.Path != "" {
		return cfg.Store.Path, nil
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".reactor")
	}
	return filepath.Join(dataDir, "reactor.db"), nil
}
