package main

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/pipeline"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(modelsCmd)

	analyzeCmd.Flags().StringP("model", "m", pipeline.DefaultModel, "Model name from the config")
	analyzeCmd.Flags().Float64P("conf", "t", pipeline.DefaultConfidence, "Confidence threshold (0.01-1.0)")
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze IMAGE",
	Short: "Analyze one image and print the report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyze,
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	model, _ := cmd.Flags().GetString("model")
	conf, _ := cmd.Flags().GetFloat64("conf")
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cannot read image: %w", err)
	}

	a := newApp(cfg)
	defer a.close()
	report, err := a.pipeline.Run(cmd.Context(), pipeline.Request{Image: image, ModelName: model, Confidence: conf})
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List configured models and whether their artifacts exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a := newApp(cfg)
		defer a.close()
		available := make(map[string]iface.ModelStatus)
		for _, st := range a.registry.Status() {
			available[st.Name] = st
		}
		return printJSON(cmd, map[string]any{"available_models": available})
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
