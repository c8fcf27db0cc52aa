package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forgehq/foreman/internal/agentloop"
	"github.com/forgehq/foreman/internal/config"
	"github.com/forgehq/foreman/internal/eventsink"
	"github.com/forgehq/foreman/internal/execagent"
	"github.com/forgehq/foreman/internal/ghclient"
	"github.com/forgehq/foreman/internal/gitclient"
	"github.com/forgehq/foreman/internal/hooks"
	"github.com/forgehq/foreman/internal/ideationagent"
	"github.com/forgehq/foreman/internal/llm"
	"github.com/forgehq/foreman/internal/llmbridge"
	"github.com/forgehq/foreman/internal/nostrsink"
	"github.com/forgehq/foreman/internal/orchestrator"
	"github.com/forgehq/foreman/internal/queue"
	"github.com/forgehq/foreman/internal/reviewagent"
	"github.com/forgehq/foreman/internal/telemetry"
	"github.com/forgehq/foreman/internal/template"
)

var (
	runConfigPath        string
	runMetricsEndpoint   string
	runLogsEndpoint      string
	runOTelInsecure      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator in the foreground until interrupted",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "Path to the orchestrator config file (YAML/JSON/TOML)")
	runCmd.Flags().StringVar(&runMetricsEndpoint, "otel-metrics-endpoint", "", "OTLP/HTTP metrics endpoint (optional)")
	runCmd.Flags().StringVar(&runLogsEndpoint, "otel-logs-endpoint", "", "OTLP/HTTP logs endpoint (optional)")
	runCmd.Flags().BoolVar(&runOTelInsecure, "otel-insecure", false, "Disable TLS for the OTLP/HTTP exporters")
	_ = runCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(runConfigPath)
	if err != nil {
		return err
	}

	llmClient, err := llm.NewClient(&cfg.API)
	if err != nil {
		return fmt.Errorf("constructing LLM client: %w", err)
	}
	defer llmClient.Close()
	bridge := llmbridge.New(llm.WithRetry(llmClient, llm.RetryConfig{MaxRetries: 3}))

	ghc := ghclient.New("https://api.github.com/graphql", cfg.HostToken)
	queueAdapter := queue.NewGHAdapter(ghc, cfg.ProjectID, 0)
	gitc := gitclient.New(cfg.WorkspaceRoot)

	templates := template.NewLoader(
		cfg.CategoryPromptsDir,
		func(ctx context.Context, n int) ([]string, error) {
			out, err := gitc.Run(ctx, "log", fmt.Sprintf("-%d", n), "--pretty=%s")
			if err != nil {
				return nil, err
			}
			if out == "" {
				return nil, nil
			}
			return strings.Split(out, "\n"), nil
		},
		func(ctx context.Context) ([]string, error) {
			return readGoModDependencies(cfg.WorkspaceRoot)
		},
		func(ctx context.Context) (int, error) {
			return ghc.GetOpenIssueCount(ctx, cfg.Owner, cfg.Repo)
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// events is held behind a pointer so the hook writer can be appended
	// after the orchestrator is constructed (it needs orch.SnapshotFor,
	// which only exists once the orchestrator does) while still being
	// seen by every OnXxx call the orchestrator's already-stored Sink
	// makes: *eventsink.Multi satisfies eventsink.Sink by promotion from
	// Multi's value-receiver methods, and dereferences the live slice on
	// every call.
	events := &eventsink.Multi{}

	var telemetryProvider *telemetry.Provider
	if runMetricsEndpoint != "" || runLogsEndpoint != "" {
		telemetryProvider, err = telemetry.New(ctx, telemetry.Config{
			MetricsEndpoint: runMetricsEndpoint,
			LogsEndpoint:    runLogsEndpoint,
			Insecure:        runOTelInsecure,
		})
		if err != nil {
			return fmt.Errorf("initializing telemetry: %w", err)
		}
		defer telemetryProvider.Shutdown(context.Background())
		*events = append(*events, telemetry.NewSink(telemetryProvider))
	}

	if cfg.IsNostrEnabled() {
		sink, err := nostrsink.New(ctx, &cfg.Nostr, cfg.Nostr.SecretKeyHex)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[foreman] warning: nostr sink disabled: %v\n", err)
		} else {
			defer sink.Close()
			*events = append(*events, sink)
		}
	}

	deps := agentloop.Deps{
		ExecAgent:               execagent.New(bridge),
		ReviewAgent:             reviewagent.New(bridge),
		IdeationAgent:           ideationagent.New(bridge),
		Templates:               templates,
		IssueTitles:             ghc,
		Owner:                   cfg.Owner,
		Repo:                    cfg.Repo,
		EnabledCategories:       cfg.EnabledCategories,
		MaxBudgetPerTaskUSD:     cfg.MaxBudgetPerTaskUSD,
		MaxBudgetPerReviewUSD:   cfg.MaxBudgetPerReviewUSD,
		MaxBudgetPerIdeationUSD: cfg.MaxBudgetPerIdeationUSD,
		MaxTurnsPerTask:         cfg.MaxTurnsPerTask,
	}

	var orch *orchestrator.Orchestrator
	onAgentError := func(agentID string, err error) {
		fmt.Fprintf(os.Stderr, "[foreman] agent %s crashed: %v\n", agentID, err)
	}

	if telemetryProvider != nil {
		deps.WorktreeObserver = telemetryProvider
	}

	orch = orchestrator.New(orchestrator.Config{
		DesiredInstances: cfg.DesiredInstances,
		DailyBudgetUSD:   cfg.DailyBudgetUSD,
		MonthlyBudgetUSD: cfg.MonthlyBudgetUSD,
		SessionDir:       filepath.Join(cfg.WorkspaceRoot, ".claude-sessions"),
		RepoDir:          cfg.WorkspaceRoot,
		RepoParentDir:    filepath.Dir(cfg.WorkspaceRoot),
	}, queueAdapter, deps, events, onAgentError)

	hookWriter := hooks.New(cfg.WorkspaceRoot, orch.SnapshotFor)
	*events = append(*events, hookWriter)

	orch.Start(ctx)
	<-ctx.Done()
	orch.Stop()
	return nil
}

var goModRequireLine = regexp.MustCompile(`^\s*([a-zA-Z0-9._\-/]+)\s+v[0-9]`)

// readGoModDependencies extracts the module paths named in root's go.mod
// require block(s), for the category prompt template's tech-stack
// placeholder. A small regexp scan is enough for one display field; a full
// go.mod parser would be overkill here.
func readGoModDependencies(root string) ([]string, error) {
	f, err := os.Open(root + "/go.mod")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var deps []string
	inRequire := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "require ("):
			inRequire = true
			continue
		case inRequire && trimmed == ")":
			inRequire = false
			continue
		case inRequire:
			if m := goModRequireLine.FindStringSubmatch(trimmed); m != nil {
				deps = append(deps, m[1])
			}
		}
	}
	return deps, scanner.Err()
}
