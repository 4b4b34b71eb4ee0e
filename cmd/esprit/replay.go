package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/esprit-cli/esprit/internal/discovery"
	"github.com/esprit-cli/esprit/internal/events"
	"github.com/esprit-cli/esprit/internal/scope"
	"github.com/esprit-cli/esprit/internal/telemetry"
)

var (
	replayRate        float64
	replayMetricsAddr string
	replayMetricsOut  string
	replayShowEvents  bool
	replayShowContext bool
)

// toolResultRecord is one line of a replay JSONL file: a captured tool
// execution with its arguments and result.
type toolResultRecord struct {
	ToolName string         `json:"tool_name"`
	ToolArgs map[string]any `json:"tool_args"`
	Result   map[string]any `json:"result"`
}

var replayCmd = &cobra.Command{
	Use:   "replay <tool-results.jsonl>",
	Short: "Replay captured tool results through the discovery engine",
	Long: `Feed a JSONL file of captured tool execution results through the
discovery pipeline and report the hypotheses it produces. Useful for
tuning extraction patterns against recorded scans.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), args[0])
	},
}

func runReplay(ctx context.Context, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	defer file.Close()

	guard := scope.NewGuard(scope.Mode(cfg.Scope.Mode), logger)
	for _, host := range cfg.Scope.AllowedHosts {
		guard.AddAllowedHost(host)
	}

	eventLog := events.NewLog(cfg.Discovery.EventLogCapacity)
	engine := discovery.NewEngine(discovery.Config{
		Enabled:                   true,
		MaxHypothesesPerIteration: cfg.Discovery.MaxHypothesesPerIteration,
		MaxConcurrentExperiments:  cfg.Discovery.MaxConcurrentExperiments,
		Logger:                    logger,
		Events:                    eventLog,
	}, nil)

	if replayMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(telemetry.NewCollector(engine))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: replayMetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
		logger.Info("metrics server listening", "addr", replayMetricsAddr)
	}

	// Pace ingestion so a paused metrics scraper can follow along.
	// Inf (the default) replays as fast as the file reads.
	limit := rate.Inf
	if replayRate > 0 {
		limit = rate.Limit(replayRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	lines := 0
	skipped := 0
	accepted := 0
	outOfScope := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++

		var record toolResultRecord
		if err := json.Unmarshal(line, &record); err != nil {
			skipped++
			logger.Debug("skipping malformed line", "line", lines, "error", err)
			continue
		}

		if check := guard.CheckRequestArgs(record.ToolName, record.ToolArgs); !check.Allowed {
			outOfScope++
			eventLog.Record("scope_violation", map[string]any{
				"tool_name": record.ToolName,
				"reason":    check.Reason,
				"line":      lines,
			})
			logger.Warn("out-of-scope tool result skipped", "line", lines, "reason", check.Reason)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		accepted += engine.ProcessToolResult(record.ToolName, record.ToolArgs, record.Result)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay file: %w", err)
	}

	if minutes := cfg.Discovery.StaleExperimentMinutes; minutes > 0 {
		if reclaimed := engine.ReclaimStale(time.Duration(minutes) * time.Minute); reclaimed > 0 {
			logger.Warn("reclaimed stale experiments", "count", reclaimed)
		}
	}

	printReplaySummary(engine, eventLog, lines, skipped, outOfScope, accepted)

	if replayMetricsOut != "" {
		if err := writeMetricsFile(engine, replayMetricsOut); err != nil {
			return err
		}
		fmt.Printf("\nMetrics written to %s\n", replayMetricsOut)
	}
	return nil
}

func printReplaySummary(engine *discovery.Engine, eventLog *events.Log, lines, skipped, outOfScope, accepted int) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	metrics := engine.GetMetrics()

	fmt.Printf("\n%s\n\n", cyan("=== Discovery Replay Summary ==="))
	fmt.Printf("  Lines processed:   %d (%d skipped, %d out of scope)\n", lines, skipped, outOfScope)
	fmt.Printf("  Anomalies:         %d\n", metrics.TotalAnomalies)
	fmt.Printf("  Hypotheses:        %d (%d accepted, %d deduped)\n",
		metrics.TotalHypotheses, accepted, metrics.DedupedHypotheses)
	fmt.Printf("  Novelty ratio:     %.3f\n", metrics.NoveltyRatio)

	summary := engine.GetPrioritySummary()
	if summary.TotalQueued > 0 {
		fmt.Printf("\n%s\n", yellow(fmt.Sprintf("Top hypotheses (%d queued):", summary.TotalQueued)))
		for _, entry := range summary.Top {
			fmt.Printf("  %s [%.3f] %s\n", green(entry.ID), entry.Priority, entry.Title)
			fmt.Printf("      %s\n", gray(entry.VulnerabilityClass))
		}
	} else {
		fmt.Printf("\n  %s\n", gray("No hypotheses queued"))
	}

	tasks := engine.GetNextTasks(0)
	if len(tasks) > 0 {
		fmt.Printf("\n%s\n", yellow(fmt.Sprintf("Next experiment tasks (%d):", len(tasks))))
		for _, task := range tasks {
			fmt.Printf("  %s %s\n", green(task.HypothesisID), task.SuggestedName)
		}
	}

	if replayShowContext {
		if block := engine.BuildContextBlock(0); block != "" {
			fmt.Printf("\n%s\n%s\n", yellow("Context block:"), block)
		}
	}

	if replayShowEvents {
		fmt.Printf("\n%s\n", yellow("Events:"))
		for eventType, count := range eventLog.CountByType() {
			fmt.Printf("  %-24s %d\n", eventType, count)
		}
	}
}

func writeMetricsFile(engine *discovery.Engine, path string) error {
	metrics := engine.GetMetrics()
	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

func init() {
	replayCmd.Flags().Float64Var(&replayRate, "rate", 0, "max tool results per second (0 = unlimited)")
	replayCmd.Flags().StringVar(&replayMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during replay")
	replayCmd.Flags().StringVar(&replayMetricsOut, "metrics-out", "", "write final metrics JSON to this path")
	replayCmd.Flags().BoolVar(&replayShowEvents, "events", false, "print per-type event counts")
	replayCmd.Flags().BoolVar(&replayShowContext, "context", false, "print the agent context block after replay")
	rootCmd.AddCommand(replayCmd)
}
