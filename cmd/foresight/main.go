// Command foresight researches prediction-market subjects under a hard cost
// ceiling and prints a single structured result per run.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/engine"
	"github.com/foresight-tools/foresight/internal/models"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath  string
	metricsPort int
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "foresight",
		Short:         "Cost-bounded research runs for prediction-market subjects",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config YAML (defaults apply when omitted)")
	cmd.PersistentFlags().IntVar(&flags.metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 = disabled)")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newRecoverCmd(flags))
	cmd.AddCommand(newRunsCmd(flags))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		mode     string
		budget   string
		escalate bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "run <subject-id>",
		Short: "Research one subject and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := wire(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ceiling := app.cfg.DefaultBudgetCeiling
			if budget != "" {
				ceiling, err = decimal.NewFromString(budget)
				if err != nil {
					return fmt.Errorf("parse --budget %q: %w", budget, err)
				}
			}

			result, err := app.engine.Run(cmd.Context(), engine.Request{
				SubjectID:         args[0],
				Mode:              models.Mode(mode),
				BudgetCeiling:     ceiling,
				EscalationEnabled: escalate,
			})
			if err != nil {
				return err
			}
			return printResult(cmd, result, asJSON)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeStandard), "research mode: fast, standard, or deep")
	cmd.Flags().StringVar(&budget, "budget", "", "budget ceiling in USD (default from config)")
	cmd.Flags().BoolVar(&escalate, "escalate", true, "allow escalation to supervisor critic passes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile deep-research tasks orphaned by a previous process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := wire(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			recovered, err := app.engine.Recover(cmd.Context())
			if err != nil {
				return err
			}
			if len(recovered) == 0 {
				cmd.Println("no orphaned tasks")
				return nil
			}
			for _, r := range recovered {
				line := fmt.Sprintf("%s/%s: %s", r.Handle.RunID, r.Handle.StepID, r.State)
				if r.Reason != "" {
					line += " (" + r.Reason + ")"
				}
				cmd.Println(line)
			}
			return nil
		},
	}
}

func newRunsCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List archived run results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := wire(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			runs, err := app.engine.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				cmd.Printf("%s  subject=%s  p=%.1f%%  cost=$%s  escalated=%v\n",
					r.RunID, r.Analysis.SubjectID,
					r.Analysis.PredictedProbability, r.TotalCost.String(), r.Escalated)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("foresight", version)
		},
	}
}

func printResult(cmd *cobra.Command, result *models.AgentRunResult, asJSON bool) error {
	if asJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(payload))
		return nil
	}

	a := result.Analysis
	cmd.Printf("run %s\n", result.RunID)
	cmd.Printf("  prediction: %.1f%% (market %.1f%%, confidence %s)\n",
		a.PredictedProbability, a.MarketProbability*100, a.Confidence)
	cmd.Printf("  cost: $%s  escalated: %v  budget exhausted: %v\n",
		result.TotalCost.String(), result.Escalated, result.ResearchSummary.BudgetExhausted)
	cmd.Printf("  verification: passed=%v\n", result.Verification.Passed)
	for _, issue := range result.Verification.Issues {
		cmd.Printf("    - %s\n", issue)
	}
	cmd.Printf("  %s\n", a.Reasoning)
	for _, f := range a.Factors {
		cmd.Printf("  [%s] %s\n      %s\n", f.Impact, f.Description, f.SourceURL)
	}
	return nil
}

func serveMetrics(port int, logger *zap.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
}
