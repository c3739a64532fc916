package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/watermark-relay/internal/caption"
	"github.com/fpang/watermark-relay/internal/logging"
	"github.com/fpang/watermark-relay/internal/watermark"
)

var (
	renderSourceFlag string
	renderRatioFlag  float64
	renderOutFlag    string

	captionHeaderFlag string
	captionFooterFlag string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Watermark one image URL with the configured renderer",
	Long: `Render calls the watermark renderer once for a publicly reachable image URL
and writes the result to a file. Useful for checking the overlay and ratio
without going through Telegram.`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

var captionCmd = &cobra.Command{
	Use:   "caption [text]",
	Short: "Preview the outgoing caption for a submitted caption",
	Long: `Caption prints the caption the bot would attach to a photo submitted with
the given text. Reads stdin when no text argument is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCaption,
}

func init() {
	renderCmd.Flags().StringVar(&renderSourceFlag, "source", "", "Image URL to watermark")
	renderCmd.Flags().Float64Var(&renderRatioFlag, "ratio", 0, "Overlay ratio in (0,1]; defaults to WATERMARK_DEFAULT_RATIO")
	renderCmd.Flags().StringVarP(&renderOutFlag, "out", "o", "watermarked.png", "Output file")
	_ = renderCmd.MarkFlagRequired("source")

	captionCmd.Flags().StringVar(&captionHeaderFlag, "header", "", "Header placed above the link list")
	captionCmd.Flags().StringVar(&captionFooterFlag, "footer", "", "Footer placed below the link list")
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)

	ratio := cfg.DefaultRatio
	if cmd.Flags().Changed("ratio") {
		ratio = renderRatioFlag
	}
	if ratio <= 0 || ratio > 1 {
		return fmt.Errorf("ratio must be in (0,1], got %g", ratio)
	}

	client := watermark.NewClient(watermark.Options{
		Endpoint:   cfg.RenderURL,
		OverlayURL: cfg.OverlayURL,
		Position:   cfg.Position,
		Timeout:    cfg.RenderTimeout,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RenderTimeout+5*time.Second)
	defer cancel()
	start := time.Now()
	image, err := client.Apply(ctx, renderSourceFlag, ratio)
	if err != nil {
		return err
	}
	if err := os.WriteFile(renderOutFlag, image, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", renderOutFlag, err)
	}

	log.Info().
		Str("source", renderSourceFlag).
		Str("out", renderOutFlag).
		Int("bytes", len(image)).
		Dur("duration", time.Since(start)).
		Msg("Watermarked image written")
	return nil
}

func runCaption(cmd *cobra.Command, args []string) error {
	var text string
	if len(args) == 1 {
		text = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\n")
	}
	fmt.Fprintln(cmd.OutOrStdout(), caption.Transform(text, captionHeaderFlag, captionFooterFlag))
	return nil
}
