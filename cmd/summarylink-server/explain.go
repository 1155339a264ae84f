package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehr/summarylink/internal/config"
	"github.com/ehr/summarylink/internal/domain/evidence"
	"github.com/ehr/summarylink/internal/platform/explainclient"
)

// summaryClient is the part of the explain client the command needs.
type summaryClient interface {
	Explain(ctx context.Context, recordID, summary string) (*evidence.ExplainResponse, error)
	SummarizeStream(ctx context.Context, recordID string, fn func(chunk string) error) error
}

func explainCmd() *cobra.Command {
	var recordID, summary string
	var stream bool

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain a summary against its source notes and print the evidence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if summary == "" && !stream {
				return errors.New("either --summary or --stream is required")
			}
			if summary != "" && stream {
				return errors.New("--summary and --stream are mutually exclusive")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := explainclient.New(cfg.ExplainServiceURL, explainclient.Options{Timeout: cfg.ExplainTimeout})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runExplain(ctx, cmd.OutOrStdout(), client, recordID, summary)
		},
	}
	cmd.Flags().StringVar(&recordID, "record", "", "patient record ID")
	cmd.Flags().StringVar(&summary, "summary", "", "summary text to explain")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream a fresh summary first, then explain it")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

// runExplain streams a summary when none is given, explains it and prints
// the report to out.
func runExplain(ctx context.Context, out io.Writer, client summaryClient, recordID, summary string) error {
	if summary == "" {
		var b strings.Builder
		err := client.SummarizeStream(ctx, recordID, func(chunk string) error {
			b.WriteString(chunk)
			_, err := io.WriteString(out, chunk)
			return err
		})
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("stream summary: %w", err)
		}
		summary = b.String()
		if strings.TrimSpace(summary) == "" {
			return errors.New("service returned an empty summary")
		}
		fmt.Fprintln(out)
	}

	resp, err := client.Explain(ctx, recordID, summary)
	if err != nil {
		return fmt.Errorf("explain summary: %w", err)
	}
	printReport(out, resp)
	return nil
}

// printReport writes every sentence with its grouped evidence. Matching
// fragments are marked with ">" and their similarity score.
func printReport(out io.Writer, resp *evidence.ExplainResponse) {
	fmt.Fprintf(out, "Average similarity: %.2f\n", resp.AvgSimilarityScore)
	if resp.BelowThreshold() {
		fmt.Fprintln(out, "WARNING: low similarity detected, verify the summary against the original text.")
	}
	fmt.Fprintln(out)

	cache := evidence.NewGroupCache(nil)
	for i := 0; i < resp.SentenceCount(); i++ {
		idx := i
		view := evidence.RenderSentence(resp, cache, idx, &idx, nil)

		marker := ""
		if view.LowConfidence {
			marker = " [!]"
		}
		fmt.Fprintf(out, "[%d]%s %s\n", view.Index+1, marker, view.Text)

		if view.Popover == nil || view.Popover.Evidence == nil {
			fmt.Fprintf(out, "    %s\n\n", evidence.NoEvidencePlaceholder)
			continue
		}
		for _, doc := range view.Popover.Evidence.Documents {
			name := doc.SourceType
			if !doc.SourceID.IsNull() {
				name += " #" + doc.SourceID.String()
			}
			fmt.Fprintf(out, "    %s\n", name)
			for _, seg := range doc.Segments {
				if seg.IsMatch && seg.Score != nil {
					fmt.Fprintf(out, "    > %s (%s)\n", seg.Content, evidence.FormatScore(*seg.Score))
				} else {
					fmt.Fprintf(out, "      %s\n", seg.Content)
				}
			}
		}
		fmt.Fprintln(out)
	}
}
