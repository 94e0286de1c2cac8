package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/neon-ai/neon/internal/evalcase"
	"github.com/neon-ai/neon/internal/evalrun"
	"github.com/neon-ai/neon/internal/events"
	"github.com/neon-ai/neon/internal/llm"
	"github.com/neon-ai/neon/internal/llm/providers"
	"github.com/neon-ai/neon/internal/notify"
	"github.com/neon-ai/neon/internal/runtime"
	"github.com/neon-ai/neon/internal/scoring"
	"github.com/neon-ai/neon/internal/store"
	"github.com/neon-ai/neon/internal/tool"
)

var (
	runDataset     string
	runScorers     []string
	runParallel    bool
	runParallelism int
	runMode        string
	runModel       string
	runProvider    string
	runMaxIter     int
	runApproval    bool
	runThreshold   string
	runAgentID     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute an evaluation run over a dataset",
	Long: `Runs every item of a JSON dataset through the agent under test,
scores the outputs with the requested scorers, and prints the run summary.

The dataset file is a JSON array of {"name", "input", "expected"} objects.`,
	RunE: runEvalRun,
}

// datasetItem mirrors the dataset file format.
type datasetItem struct {
	Name     string `json:"name,omitempty"`
	Input    string `json:"input"`
	Expected string `json:"expected,omitempty"`
}

func runEvalRun(cmd *cobra.Command, _ []string) error {
	items, err := loadDataset(runDataset)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	caller, err := buildCaller()
	if err != nil {
		return err
	}

	thresholds, err := buildThresholds()
	if err != nil {
		return err
	}

	tools := tool.NewRegistry()
	tools.Register(tool.EchoTool{})

	scorers := scoring.NewDefaultRegistry()
	scorers.Register(scoring.NewJudgeScorer(caller, scoring.WithJudgeModel(cfg.LLM.JudgeModel)))

	hub := runtime.NewSignalHub(st)
	arena := runtime.NewArena()
	activities := runtime.NewActivities(st, runtime.WithRetryPolicy(runtime.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		AttemptTimeout:  cfg.Retry.AttemptTimeout,
	}))
	bus := events.NewBus(events.WithDefaultBufferSize(cfg.Events.BufferSize))
	defer bus.Close()

	maxIter := runMaxIter
	if maxIter <= 0 {
		maxIter = cfg.Core.MaxIterations
	}
	parallelism := runParallelism
	if parallelism <= 0 {
		parallelism = cfg.Core.Parallelism
	}

	notifyCfg := cfg.Notify

	coordinator := evalrun.New(evalrun.Params{
		AgentID:         runAgentID,
		Items:           toItems(items),
		Scorers:         runScorers,
		Parallel:        runParallel,
		Parallelism:     parallelism,
		Mode:            evalcase.Mode(runMode),
		Model:           runModel,
		MaxIterations:   maxIter,
		RequireApproval: runApproval,
		Thresholds:      thresholds,
		Notify:          &notifyCfg,
	}, caller, tools, scoring.NewEngine(scorers), st, hub, arena, activities,
		evalrun.WithEventBus(bus),
		evalrun.WithNotifier(notify.NewWebhookNotifier()),
	)

	slog.Info("starting eval run", "run_id", coordinator.ID(), "items", len(items))

	summary, err := coordinator.Run(cmd.Context())
	if err != nil {
		return err
	}

	if summary == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s finished with status %s (no summary)\n",
			coordinator.ID(), coordinator.Status())
		return nil
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed: %d/%d passed, %d failed, avg score %.3f\n",
		coordinator.ID(), summary.Passed, summary.Total, summary.Failed, summary.AvgScore)
	return nil
}

func loadDataset(path string) ([]datasetItem, error) {
	if path == "" {
		return nil, fmt.Errorf("--dataset is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}
	var items []datasetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	return items, nil
}

func toItems(items []datasetItem) []evalrun.Item {
	out := make([]evalrun.Item, len(items))
	for i, item := range items {
		out[i] = evalrun.Item{Name: item.Name, Input: item.Input, Expected: item.Expected}
	}
	return out
}

func openStore() (store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	sc := store.DefaultSQLiteConfig(cfg.Store.Path)
	sc.MaxOpenConns = cfg.Store.MaxConnections
	sc.BusyTimeout = cfg.Store.BusyTimeout
	return store.OpenSQLiteWithConfig(sc)
}

func buildCaller() (llm.ModelCaller, error) {
	provider := runProvider
	if provider == "" {
		provider = cfg.LLM.DefaultProvider
	}

	switch provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.Config{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			DefaultModel: cfg.LLM.DefaultModel,
		})
	case "mock":
		return providers.NewMockProvider(), nil
	default:
		return providers.NewOpenAIProvider(providers.Config{
			APIKey:       cfg.LLM.OpenAIAPIKey,
			DefaultModel: cfg.LLM.DefaultModel,
		})
	}
}

func buildThresholds() (*scoring.ThresholdConfig, error) {
	raw := runThreshold
	if raw == "" {
		raw = cfg.Scoring.Threshold
	}
	if raw == "" {
		return nil, nil
	}
	t, err := scoring.ParseThreshold(raw)
	if err != nil {
		return nil, err
	}
	return &scoring.ThresholdConfig{Global: &t}, nil
}

func init() {
	runCmd.Flags().StringVarP(&runDataset, "dataset", "d", "", "Path to the dataset JSON file (required)")
	runCmd.Flags().StringSliceVarP(&runScorers, "scorers", "s", []string{"exact_match"}, "Scorer names to apply")
	runCmd.Flags().BoolVar(&runParallel, "parallel", true, "Run cases concurrently")
	runCmd.Flags().IntVar(&runParallelism, "parallelism", 0, "Max concurrent cases (default from config)")
	runCmd.Flags().StringVar(&runMode, "mode", string(evalcase.ModeFull), "Case mode: full or lightweight")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model to evaluate")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "LLM provider: openai, anthropic, or mock")
	runCmd.Flags().IntVar(&runMaxIter, "max-iterations", 0, "Agent loop iteration cap (default from config)")
	runCmd.Flags().BoolVar(&runApproval, "require-approval", false, "Gate sensitive tool calls on approval")
	runCmd.Flags().StringVar(&runThreshold, "threshold", "", "Global pass threshold (decimal or percentage)")
	runCmd.Flags().StringVar(&runAgentID, "agent", "", "Identifier of the agent under test")
}
