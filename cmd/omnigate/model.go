package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/omnigate/omnigate/internal/logger"
	"github.com/omnigate/omnigate/internal/models"
	"github.com/omnigate/omnigate/internal/services/catalog"
	"github.com/omnigate/omnigate/internal/services/pricing"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the model catalog and pricing",
	}
	cmd.AddCommand(modelAddCmd(), modelListCmd(), modelDeprecateCmd(), pricingSetCmd())
	return cmd
}

func modelAddCmd() *cobra.Command {
	var (
		modelID     string
		upstreamID  string
		provider    string
		streaming   bool
		contextTok  int
		maxOutTok   int
		inputCents  int64
		outputCents int64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a model with an initial price",
		RunE: func(cmd *cobra.Command, args []string) error {
			if upstreamID == "" {
				upstreamID = modelID
			}
			m := models.Model{
				ModelID:           modelID,
				UpstreamModelID:   upstreamID,
				Provider:          provider,
				SupportsStreaming: streaming,
				ContextTokens:     contextTok,
				MaxOutputTokens:   maxOutTok,
				IsActive:          true,
			}
			if err := db.Create(&m).Error; err != nil {
				return fmt.Errorf("failed to register model: %w", err)
			}

			svc := pricing.New(db, rdb, logger.Get(), 0, 0)
			if err := svc.SetPricing(context.Background(), m.ModelID, m.ID, inputCents, outputCents); err != nil {
				return fmt.Errorf("model registered but pricing failed: %w", err)
			}

			fmt.Printf("registered %s (%s via %s)\n", m.ModelID, m.UpstreamModelID, m.Provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "id", "", "public model id")
	cmd.Flags().StringVar(&upstreamID, "upstream-id", "", "provider's model id, defaults to --id")
	cmd.Flags().StringVar(&provider, "provider", "", "provider name from config")
	cmd.Flags().BoolVar(&streaming, "streaming", true, "model supports streaming")
	cmd.Flags().IntVar(&contextTok, "context-tokens", 8192, "context window")
	cmd.Flags().IntVar(&maxOutTok, "max-output-tokens", 4096, "output ceiling")
	cmd.Flags().Int64Var(&inputCents, "input-cents", 0, "cents per million input tokens")
	cmd.Flags().Int64Var(&outputCents, "output-cents", 0, "cents per million output tokens")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func modelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all catalog entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var all []models.Model
			if err := db.Order("model_id ASC").Find(&all).Error; err != nil {
				return err
			}
			for _, m := range all {
				flags := ""
				if !m.IsActive {
					flags += " inactive"
				}
				if m.IsDeprecated {
					flags += " deprecated"
				}
				fmt.Printf("%-28s %-12s ctx=%-7d out=%-6d%s\n",
					m.ModelID, m.Provider, m.ContextTokens, m.MaxOutputTokens, flags)
			}
			return nil
		},
	}
}

func modelDeprecateCmd() *cobra.Command {
	var remove bool

	cmd := &cobra.Command{
		Use:   "deprecate <model-id>",
		Short: "Mark a model deprecated, or remove it from serving entirely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]
			updates := map[string]interface{}{"is_deprecated": true}
			if remove {
				updates["is_active"] = false
			}
			res := db.Model(&models.Model{}).Where("model_id = ?", modelID).Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("model not found: %s", modelID)
			}

			cat := catalog.New(db, rdb, logger.Get())
			if err := cat.Invalidate(context.Background(), modelID); err != nil {
				fmt.Printf("warning: catalog cache invalidation failed: %v\n", err)
			}
			fmt.Printf("updated %s\n", modelID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&remove, "remove", false, "also stop serving the model")
	return cmd
}

func pricingSetCmd() *cobra.Command {
	var inputCents, outputCents int64

	cmd := &cobra.Command{
		Use:   "price <model-id>",
		Short: "Open a new pricing window for a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]
			var m models.Model
			if err := db.Where("model_id = ?", modelID).First(&m).Error; err != nil {
				return fmt.Errorf("model not found: %w", err)
			}

			svc := pricing.New(db, rdb, logger.Get(), 0, 0)
			if err := svc.SetPricing(context.Background(), m.ModelID, m.ID, inputCents, outputCents); err != nil {
				return err
			}

			p := models.Pricing{InputPerMillionCents: inputCents, OutputPerMillionCents: outputCents}
			fmt.Printf("%s now charges %d cents per request\n", modelID, p.PerRequestCents())
			return nil
		},
	}

	cmd.Flags().Int64Var(&inputCents, "input-cents", 0, "cents per million input tokens")
	cmd.Flags().Int64Var(&outputCents, "output-cents", 0, "cents per million output tokens")
	return cmd
}
