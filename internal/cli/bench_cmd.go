// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/benchmark"
	"github.com/jeranaias/leaf/internal/inference"
	"github.com/jeranaias/leaf/internal/store"
)

// signalContext is ctx cancelled on Ctrl+C or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func (a *app) benchCmd() *cobra.Command {
	var (
		quick  bool
		save   bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "bench [model...]",
		Short: "Benchmark models on this machine",
		Long: `Benchmark models on this machine: time to first token, tokens per
second and a rough quality score per test prompt. Without models the
recommended model is benchmarked; with several they are compared.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			models := args
			if len(models) == 0 {
				id, err := pickModel(eng.DetectEngine(ctx), store.DefaultSettings(), store.Conversation{}, "")
				if err != nil {
					return err
				}
				models = []string{id}
			}

			var tests []benchmark.Test
			if quick {
				tests = benchmark.GetQuickTestSuite()
			}
			runner := benchmark.NewRunner(eng, tests...)
			runner.OnProgress = func(p inference.LoadProgress) {
				a.logger.Debug("benchmark load progress", "stage", p.Stage, "percent", p.Percent)
			}
			runner.OnTest = func(tr benchmark.TestResult) {
				status := SuccessStyle.Render("ok")
				if tr.Status != benchmark.TestStatusPassed {
					status = ErrorStyle.Render("failed")
				}
				fmt.Fprintf(a.errOut, "  %-28s %s  %s\n", tr.Name, status,
					DimStyle.Render(benchmark.FormatTokensPerSec(tr.TokensPerSec)))
			}

			var storage *benchmark.Storage
			if save {
				dir, err := a.cfg.DataDir()
				if err != nil {
					return err
				}
				if storage, err = benchmark.NewStorage(filepath.Join(dir, "benchmarks")); err != nil {
					return err
				}
			}

			if len(models) == 1 {
				fmt.Fprintf(a.errOut, "Benchmarking %s\n", modelName(models[0]))
				result, err := runner.Run(ctx, models[0])
				if err != nil {
					return err
				}
				if storage != nil {
					name, err := storage.Save(result)
					if err != nil {
						return err
					}
					fmt.Fprintf(a.errOut, "Saved %s\n", filepath.Join(storage.Dir(), name))
				}
				if asJSON {
					return writeJSON(a.out, result)
				}
				a.printf("%s", result.Summary())
				return nil
			}

			cmp, err := runner.RunComparison(ctx, models)
			if err != nil {
				return err
			}
			if storage != nil {
				name, err := storage.SaveComparison(cmp)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.errOut, "Saved %s\n", filepath.Join(storage.Dir(), name))
			}
			if asJSON {
				return writeJSON(a.out, cmp)
			}
			a.printf("%s", cmp.ComparisonSummary())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quick, "quick", "q", false, "run one test of each type")
	cmd.Flags().BoolVar(&save, "save", false, "save results under the data directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}
