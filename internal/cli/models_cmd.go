// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/catalog"
	"github.com/jeranaias/leaf/internal/detect"
	"github.com/jeranaias/leaf/internal/inference"
)

// =============================================================================
// DETECT
// =============================================================================

// detectReport is the JSON shape of "leaf detect --json".
type detectReport struct {
	Backend          inference.BackendKind  `json:"backend"`
	DisplayName      string                 `json:"displayName"`
	Description      string                 `json:"description"`
	GPU              *detect.GpuInfo        `json:"gpu,omitempty"`
	CPUFeatures      []string               `json:"cpuFeatures,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	Capabilities     inference.Capabilities `json:"capabilities"`
	RecommendedModel string                 `json:"recommendedModel,omitempty"`
	Privacy          bool                   `json:"privacy"`
}

func (a *app) detectCmd() *cobra.Command {
	var (
		asJSON bool
		reset  bool
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Show which engine this machine uses and why",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			if reset {
				if err := eng.ResetDetection(ctx); err != nil {
					return err
				}
			}
			info := eng.DetectEngine(ctx)
			report := detectReport{
				Backend:      info.Backend,
				DisplayName:  info.DisplayName,
				Description:  info.Description,
				GPU:          info.GPU,
				CPUFeatures:  info.CPUFeatures,
				Reason:       info.Reason,
				Capabilities: eng.Capabilities(),
				Privacy:      a.guard.Enabled(),
			}
			if m, ok := detect.RecommendModel(info); ok {
				report.RecommendedModel = m.ID
			}
			if asJSON {
				return writeJSON(a.out, report)
			}
			a.printDetect(report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	cmd.Flags().BoolVar(&reset, "reset", false, "forget the cached decision and probe again")
	return cmd
}

func (a *app) printDetect(r detectReport) {
	a.println(TitleStyle.Render(r.DisplayName))
	a.println(r.Description)
	a.println()
	if r.GPU != nil {
		a.printf("%s%s\n", RenderLabel("GPU"), r.GPU.String())
	}
	if len(r.CPUFeatures) > 0 {
		a.printf("%s%s\n", RenderLabel("CPU features"), strings.Join(r.CPUFeatures, ", "))
	}
	if r.Reason != "" {
		a.printf("%s%s\n", RenderLabel("Why"), r.Reason)
	}
	a.printf("%s%s\n", RenderLabel("Stop mid-reply"), yesNo(r.Capabilities.Cancellation))
	a.printf("%s%s\n", RenderLabel("Keeps context"), yesNo(r.Capabilities.PersistentContext))
	if r.RecommendedModel != "" {
		a.printf("%s%s\n", RenderLabel("Recommended"), modelName(r.RecommendedModel))
	}
	if r.Privacy {
		a.printf("%s%s\n", RenderLabel("Privacy mode"), PrivacyStyle.Render("[PRIVATE]"))
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// =============================================================================
// MODELS
// =============================================================================

func (a *app) modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, recommend and load models",
	}
	cmd.AddCommand(a.modelsListCmd(), a.modelsRecommendCmd(), a.modelsLoadCmd())
	return cmd
}

func (a *app) modelsListCmd() *cobra.Command {
	var (
		backend string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the models this machine can run",
		Long: `List the models this machine can run. With --backend the catalog of
that engine is listed without probing the hardware.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var models []catalog.ModelDescriptor
			switch inference.BackendKind(backend) {
			case inference.BackendAccelerated, inference.BackendFallback:
				models = catalog.ModelsFor(inference.BackendKind(backend), runtime.GOOS)
			case "":
				eng, err := a.openEngine()
				if err != nil {
					return err
				}
				models = eng.AvailableModels(cmd.Context())
			default:
				return fmt.Errorf("unknown backend %q (want %s or %s)", backend, inference.BackendAccelerated, inference.BackendFallback)
			}

			if asJSON {
				return writeJSON(a.out, models)
			}
			if len(models) == 0 {
				a.println("No models available.")
				return nil
			}
			rows := make([][]string, 0, len(models))
			for _, m := range models {
				name := m.Name
				if m.Recommended {
					name += " " + SuccessStyle.Render("★")
				}
				rows = append(rows, []string{m.ID, name, m.SizeLabel(), strconv.Itoa(m.ContextWindow), m.Description})
			}
			writeTable(a.out, []string{"ID", "NAME", "SIZE", "CONTEXT", "DESCRIPTION"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", "", "list this engine's catalog (accelerated or fallback)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) modelsRecommendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recommend",
		Short: "Suggest a model for this hardware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			info := eng.DetectEngine(cmd.Context())
			m, ok := detect.RecommendModel(info)
			if !ok {
				return fmt.Errorf("no model is available on the %s", info.DisplayName)
			}
			a.printf("%s (%s, %s)\n", TitleStyle.Render(m.Name), m.ID, m.SizeLabel())
			a.println(m.Description)
			return nil
		},
	}
}

func (a *app) modelsLoadCmd() *cobra.Command {
	var prefer bool
	cmd := &cobra.Command{
		Use:   "load [id]",
		Short: "Download and load a model, then report how long it took",
		Long: `Download and load a model, then report how long it took. Without an id
the recommended model for this hardware is loaded. Downloads are cached,
so later loads are faster.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			} else {
				m, ok := detect.RecommendModel(eng.DetectEngine(ctx))
				if !ok {
					return fmt.Errorf("no model is available for this hardware")
				}
				id = m.ID
			}
			if err := a.loadModel(ctx, eng, id); err != nil {
				return err
			}
			if prefer {
				s, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				s.SetPreferredModel(id)
				a.printf("%s is now the preferred model\n", modelName(id))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prefer, "prefer", false, "make this the preferred model for new conversations")
	return cmd
}
