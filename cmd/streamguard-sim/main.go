package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rmax-ai/streamguard/pkg/simulation"
)

func main() {
	var (
		scenarioFile string
		jsonOutput   bool
		outputFile   string
		seed         int64
		verbose      bool
	)

	flag.StringVar(&scenarioFile, "scenario", "", "Path to scenario YAML/JSON file")
	flag.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	flag.StringVar(&outputFile, "out", "", "Write output to file instead of stdout")
	flag.Int64Var(&seed, "seed", 0, "Override the scenario seed")
	flag.BoolVar(&verbose, "v", false, "Log queue activity to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var scenario simulation.Scenario
	if scenarioFile != "" {
		var err error
		scenario, err = simulation.LoadScenario(scenarioFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	} else {
		fmt.Fprintln(os.Stderr, "No scenario file provided, running default demo scenario...")
		scenario = simulation.DefaultScenario()
	}
	if seed != 0 {
		scenario.Seed = seed
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := simulation.RunScenario(ctx, scenario, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := writeReport(result, jsonOutput, outputFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if !result.Success {
		os.Exit(1)
	}
}

func writeReport(res simulation.SimulationResult, jsonFmt bool, filePath string) error {
	var output []byte
	if jsonFmt {
		var err error
		output, err = json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
	} else {
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "\n--- Simulation Report: %s ---\n", res.ScenarioName)
		fmt.Fprintf(&buf, "Duration: %s\n", res.Duration)
		fmt.Fprintf(&buf, "Requests: %d | Completed: %d | Failed: %d | Cancelled: %d | Rejected: %d | Unfinished: %d\n",
			res.TotalRequests, res.TotalCompleted, res.TotalFailed, res.TotalCancelled, res.TotalRejected, res.TotalUnfinished)
		fmt.Fprintf(&buf, "Recovered streams: %d | Injected usage: %d\n", res.TotalRecovered, res.TotalInjected)

		buf.WriteString("\nProviders:\n")
		for id, st := range res.ProviderStats {
			fmt.Fprintf(&buf, "  %s: opened %d, completed %d, stalled %d, rejected %d, failed %d\n",
				id, st.Opened, st.Completed, st.Stalled, st.Rejected, st.Failed)
		}

		if len(res.Invariants) > 0 {
			buf.WriteString("\nInvariants:\n")
			for _, inv := range res.Invariants {
				status := "FAIL"
				if inv.Passed {
					status = "PASS"
				}
				fmt.Fprintf(&buf, "[%s] %s (%s): Expected %s, Got %s\n", status, inv.Metric, inv.Scope, inv.Expected, inv.Actual)
			}
		}
		output = buf.Bytes()
	}

	if filePath != "" {
		if err := os.WriteFile(filePath, output, 0644); err != nil {
			return fmt.Errorf("failed to write report to %s: %w", filePath, err)
		}
		fmt.Printf("Report written to %s\n", filePath)
		return nil
	}
	fmt.Println(string(output))
	return nil
}
