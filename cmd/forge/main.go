package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"alphaforge/internal/champion"
	"alphaforge/internal/config"
	"alphaforge/internal/executor"
	"alphaforge/internal/history"
	"alphaforge/internal/logging"
	"alphaforge/internal/metrics"
	"alphaforge/internal/novelty"
	"alphaforge/internal/orchestrator"
	"alphaforge/internal/producer"
	"alphaforge/internal/repository"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// run flags
	dataPath      string
	maxIterations int64
	seed          int64
	reset         bool

	// intervention flags
	reason   string
	operator string

	// archive flags
	tierFilter string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "alphaforge - automated trading strategy discovery",
	Long: `alphaforge runs a closed discovery loop over trading strategies:
generate a candidate, backtest it in a sandboxed interpreter, grade the
outcome, challenge the reigning champion, and archive anything structurally
novel. Interrupt with Ctrl-C at any point; the loop checkpoints and resumes
where it left off.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the discovery loop",
	Long: `Runs up to the configured iteration budget. Numbering resumes from the
existing history log unless --reset wipes the data directory first.`,
	RunE: runLoop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show champion, archive and history state",
	RunE:  showStatus,
}

var promoteCmd = &cobra.Command{
	Use:   "promote [genome-id]",
	Short: "Force-promote an archived strategy to champion",
	Args:  cobra.ExactArgs(1),
	RunE:  forcePromote,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [genome-id]",
	Short: "Restore a previous champion",
	Args:  cobra.ExactArgs(1),
	RunE:  forceRollback,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the strategy archive",
}

var archiveTopCmd = &cobra.Command{
	Use:   "top [n]",
	Short: "List the best archived strategies",
	Args:  cobra.MaximumNArgs(1),
	RunE:  archiveTop,
}

var archiveQuarantineCmd = &cobra.Command{
	Use:   "quarantine [genome-id]",
	Short: "Pull an archived strategy out of circulation",
	Args:  cobra.ExactArgs(1),
	RunE:  archiveQuarantine,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "forge.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().StringVarP(&dataPath, "data", "d", "", "market data file (semicolon-separated OHLCV bars)")
	runCmd.Flags().Int64Var(&maxIterations, "max-iterations", 0, "override the configured iteration budget")
	runCmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "seed for producer selection and recombination")
	runCmd.Flags().BoolVar(&reset, "reset", false, "wipe the data directory before starting")
	_ = runCmd.MarkFlagRequired("data")

	promoteCmd.Flags().StringVar(&reason, "reason", "", "why this intervention is happening")
	promoteCmd.Flags().StringVar(&operator, "operator", "", "who is intervening")
	rollbackCmd.Flags().StringVar(&reason, "reason", "", "why this intervention is happening")
	rollbackCmd.Flags().StringVar(&operator, "operator", "", "who is intervening")
	archiveQuarantineCmd.Flags().StringVar(&reason, "reason", "manual review", "why the strategy is quarantined")
	archiveTopCmd.Flags().StringVar(&tierFilter, "tier", "", "restrict to one tier (bronze, silver, gold)")

	archiveCmd.AddCommand(archiveTopCmd, archiveQuarantineCmd)
	rootCmd.AddCommand(runCmd, statusCmd, promoteCmd, rollbackCmd, archiveCmd)
}

// loadConfig reads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStores wires the persistent layers shared by every subcommand.
func openStores(cfg *config.Config) (*champion.Tracker, *repository.Repository, *history.Log, *champion.AuditStore, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	audit, err := champion.OpenAuditStore(cfg.AuditPath())
	if err != nil {
		return nil, nil, nil, nil, err
	}
	tracker, err := champion.NewTracker(cfg.ChampionPath(), cfg.Champion, audit, logger)
	if err != nil {
		audit.Close()
		return nil, nil, nil, nil, err
	}
	repo, err := repository.Open(cfg.RepositoryDir(), cfg.Repository, novelty.NewScorer(logger), logger)
	if err != nil {
		audit.Close()
		return nil, nil, nil, nil, err
	}
	hist, err := history.Open(cfg.HistoryPath(), logger)
	if err != nil {
		audit.Close()
		return nil, nil, nil, nil, err
	}
	return tracker, repo, hist, audit, nil
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if maxIterations > 0 {
		cfg.Run.MaxIterations = maxIterations
	}
	if reset {
		if err := os.RemoveAll(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("failed to reset data directory: %w", err)
		}
		logger.Info("data directory reset", zap.String("dir", cfg.Storage.DataDir))
	}

	input, err := os.ReadFile(dataPath)
	if err != nil {
		return fmt.Errorf("failed to read market data: %w", err)
	}

	tracker, repo, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm, err := producer.NewLLMProducer(ctx, cfg.Producer, logger)
	if err != nil {
		return err
	}
	recombiner := producer.NewRecombiner(seed, logger)
	selector, err := producer.NewSelector(llm, recombiner, cfg.Producer.LLMWeight, seed, logger)
	if err != nil {
		return err
	}

	sandbox, err := executor.NewSandbox(cfg.Executor, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Picker:     selector,
		Executor:   sandbox,
		Classifier: metrics.NewClassifier(metrics.NewExtractor()),
		Champion:   tracker,
		Repository: repo,
		History:    hist,
		Input:      string(input),
	}, logger)

	report, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tracker, repo, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	snap := tracker.Snapshot()
	last, err := hist.LastIteration()
	if err != nil {
		return err
	}

	status := map[string]any{
		"last_iteration": last,
		"archive":        repo.Statistics(),
		"champion":       nil,
	}
	if snap.Champion != nil {
		status["champion"] = map[string]any{
			"id":         snap.Champion.ID,
			"primary":    snap.PrimaryMetric,
			"age":        snap.Age,
			"promotions": snap.Promotions,
			"next_bar":   snap.PrimaryMetric * (1 + tracker.RequiredImprovement(snap.Age)),
		}
	}
	return printJSON(status)
}

func forcePromote(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tracker, repo, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	entry, ok := repo.Get(args[0])
	if !ok {
		return fmt.Errorf("genome %s not found in archive", args[0])
	}
	if err := tracker.ForcePromote(entry.Genome, entry.Genome.Metrics, reason, operator); err != nil {
		return err
	}
	fmt.Printf("promoted %s (score %.4f)\n", entry.Genome.ID, entry.Genome.Metrics.Score)
	return nil
}

func forceRollback(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tracker, _, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	if err := tracker.ForceRollback(args[0], reason, operator); err != nil {
		return err
	}
	fmt.Printf("rolled back to %s\n", args[0])
	return nil
}

func archiveTop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, repo, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	n := 10
	if len(args) == 1 {
		if n, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("invalid count %q: %w", args[0], err)
		}
	}

	entries := repo.TopN(n)
	if tierFilter != "" {
		entries = repo.TopNInTier(tierFilter, n)
	}
	for _, e := range entries {
		score := 0.0
		if e.Genome.Metrics != nil {
			score = e.Genome.Metrics.Score
		}
		fmt.Printf("%-20s %-8s score=%.4f novelty=%.3f via=%s\n",
			e.Genome.ID, e.Tier, score, e.Novelty, e.Genome.Producer)
	}
	return nil
}

func archiveQuarantine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	_, repo, hist, audit, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer audit.Close()
	defer hist.Close()

	if err := repo.Quarantine(args[0], reason); err != nil {
		return err
	}
	fmt.Printf("quarantined %s\n", args[0])
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
