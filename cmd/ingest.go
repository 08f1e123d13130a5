package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/kb-ingest-crawler/internal/crawler"
	"github.com/JakeFAU/kb-ingest-crawler/internal/ingest"
)

func newIngestCmd() *cobra.Command {
	var req crawler.IngestRequest
	cmd := &cobra.Command{
		Use:   "ingest --kb <id> --seed <url>",
		Short: "Publish one ingest request",
		Long: `Validates an ingest request the same way the HTTP API does and publishes it
to the ingest topic. Useful against Pub/Sub; with the in-memory queue nothing
consumes the message once the command exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			valid, err := ingest.Validate(req)
			if err != nil {
				return err
			}
			id, err := a.Publisher().Publish(cmd.Context(), crawler.TopicIngest, valid, crawler.PublishOptions{})
			if err != nil {
				return fmt.Errorf("publish ingest request: %w", err)
			}
			a.Logger().Info("ingest request published",
				zap.String("kb_id", valid.KnowledgeBaseID),
				zap.String("seed_url", valid.SeedURL),
				zap.Int("max_depth", valid.MaxDepth),
				zap.String("message_id", id),
			)
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.KnowledgeBaseID, "kb", "", "knowledge base ID")
	cmd.Flags().StringVar(&req.SeedURL, "seed", "", "seed URL")
	cmd.Flags().StringVar(&req.RequesterID, "requester", "", "requester ID recorded on created documents")
	cmd.Flags().IntVar(&req.MaxDepth, "depth", 1, fmt.Sprintf("crawl depth (0-%d)", crawler.MaxIngestDepth))
	return cmd
}
