package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AnshvardhanShetty/CLINITY/internal/capability"
	"github.com/AnshvardhanShetty/CLINITY/internal/compile"
	"github.com/AnshvardhanShetty/CLINITY/internal/config"
	"github.com/AnshvardhanShetty/CLINITY/internal/render"
	"github.com/AnshvardhanShetty/CLINITY/internal/safety"
	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

func main() {
	root := &cobra.Command{
		Use:   "clinity",
		Short: "Compile noisy clinical documents into a verified, safety-prioritized snapshot",
	}

	root.AddCommand(newCompileCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCompileCmd() *cobra.Command {
	var (
		manifestPath string
		mode         string
		provider     string
		model        string
		format       string
		timeoutSecs  int
		rulesPath    string
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Run the multi-pass pipeline over a document manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := config.InitLogger(cfg.Log); err != nil {
				return err
			}
			defer func() { _ = zap.L().Sync() }()

			applyFlags(cfg, provider, model, mode, format, timeoutSecs, rulesPath)

			docs, err := loadManifest(manifestPath)
			if err != nil {
				return err
			}

			client, err := capability.NewClient(capability.Options{
				Provider:      cfg.Provider.Name,
				Model:         cfg.Provider.Model,
				MaxTokens:     cfg.Provider.MaxTokens,
				Temperature:   cfg.Provider.Temperature,
				CallTimeout:   time.Duration(cfg.Pipeline.CallTimeoutSecs) * time.Second,
				RatePerSecond: cfg.Provider.RatePerSecond,
			})
			if err != nil {
				return err
			}

			rules := safety.DefaultRules()
			if cfg.Safety.RulesPath != "" {
				rules, err = safety.LoadRules(cfg.Safety.RulesPath)
				if err != nil {
					return err
				}
			}

			compiler := compile.New(client, compile.Options{
				Mode:              schema.Mode(cfg.Output.Mode),
				RunTimeout:        time.Duration(cfg.Pipeline.RunTimeoutSecs) * time.Second,
				Rules:             rules,
				MaxConcurrentDocs: cfg.Pipeline.MaxConcurrentDocs,
			})

			snap, err := compiler.Run(cmd.Context(), docs)
			if err != nil {
				return err
			}

			switch cfg.Output.Format {
			case "json":
				b, err := render.RenderJSON(&snap)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
			case "markdown":
				fmt.Fprint(cmd.OutOrStdout(), render.RenderMarkdown(&snap))
			default:
				return eris.Errorf("unknown output format %q", cfg.Output.Format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "path to the document manifest YAML (required)")
	cmd.Flags().StringVar(&mode, "mode", "", "output mode: handover, discharge, or ward-list")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider: anthropic, openai, or google")
	cmd.Flags().StringVar(&model, "model", "", "model name override")
	cmd.Flags().StringVar(&format, "format", "", "output format: markdown or json")
	cmd.Flags().IntVar(&timeoutSecs, "timeout", 0, "run timeout in seconds")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "path to a safety rules YAML overriding the defaults")
	_ = cmd.MarkFlagRequired("manifest")

	return cmd
}

// applyFlags overlays non-empty CLI flags onto the loaded configuration.
func applyFlags(cfg *config.Config, provider, model, mode, format string, timeoutSecs int, rulesPath string) {
	if provider != "" {
		cfg.Provider.Name = provider
	}
	if model != "" {
		cfg.Provider.Model = model
	}
	if mode != "" {
		cfg.Output.Mode = mode
	}
	if format != "" {
		cfg.Output.Format = format
	}
	if timeoutSecs > 0 {
		cfg.Pipeline.RunTimeoutSecs = timeoutSecs
	}
	if rulesPath != "" {
		cfg.Safety.RulesPath = rulesPath
	}
}
