package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/esprit-cli/esprit/internal/correlator"
)

var (
	correlateTrafficPath string
	correlateGlob        string
)

var correlateCmd = &cobra.Command{
	Use:   "correlate <source-dir>",
	Short: "Correlate endpoints from decompiled sources with proxy traffic",
	Long: `Scan decompiled mobile app sources for API endpoint URLs and compare
them against endpoints observed in captured proxy traffic. Endpoints the
app knows about but the proxy never saw are untested attack surface.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCorrelate(args[0])
	},
}

func runCorrelate(sourceDir string) error {
	var paths []string
	err := filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		match, _ := filepath.Match(correlateGlob, d.Name())
		if match {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk source dir: %w", err)
	}

	corr := correlator.New(logger)

	// File reads fan out; the correlator itself is single-threaded, so
	// extraction results funnel through one mutex.
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())

	for _, path := range paths {
		path := path
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			rel, relErr := filepath.Rel(sourceDir, path)
			if relErr != nil {
				rel = path
			}
			mu.Lock()
			corr.ExtractEndpointsFromText(string(data), rel)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if correlateTrafficPath != "" {
		if err := registerTraffic(corr, correlateTrafficPath); err != nil {
			return err
		}
	}

	printCorrelation(corr, len(paths))
	return nil
}

// registerTraffic loads a captured list_requests result (JSON array of
// request objects) and registers each endpoint as observed.
func registerTraffic(corr *correlator.EndpointCorrelator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read traffic file: %w", err)
	}

	var requests []map[string]any
	if err := json.Unmarshal(data, &requests); err != nil {
		return fmt.Errorf("traffic file must contain a JSON array of requests: %w", err)
	}

	registered := corr.RegisterObservedFromRequests(requests)
	logger.Info("proxy traffic registered", "endpoints", registered)
	return nil
}

func printCorrelation(corr *correlator.EndpointCorrelator, fileCount int) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("=== Endpoint Correlation ==="))
	fmt.Printf("  Files scanned:       %d\n", fileCount)
	fmt.Printf("  Endpoints extracted: %d\n", corr.ExtractedCount())
	fmt.Printf("  Endpoints observed:  %d\n", corr.ObservedCount())

	hypotheses := corr.GenerateHypotheses()
	if len(hypotheses) == 0 {
		fmt.Printf("\n  %s\n", gray("No untested endpoints"))
		return
	}

	fmt.Printf("\n%s\n", yellow(fmt.Sprintf("Untested endpoints (%d):", len(hypotheses))))
	for _, h := range hypotheses {
		h.ComputePriority()
		fmt.Printf("  %s [%.3f] %s\n", green(h.ID), h.Priority, h.Target)
	}
}

func init() {
	correlateCmd.Flags().StringVar(&correlateTrafficPath, "traffic", "", "path to captured proxy requests JSON")
	correlateCmd.Flags().StringVar(&correlateGlob, "glob", "*", "filename pattern for source files to scan")
	rootCmd.AddCommand(correlateCmd)
}
