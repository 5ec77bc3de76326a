package main

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/xhad/lexqa/internal/models"
	cfgPkg "github.com/xhad/lexqa/pkg/config"
	"github.com/xhad/lexqa/pkg/pipeline"
	"github.com/xhad/lexqa/pkg/source"
)

var (
	ingestFile         string
	ingestURL          string
	ingestSource       string
	ingestDocumentType string
	ingestJurisdiction string
	ingestYear         int
	ingestMaxDepth     int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Chunk, embed and store a statute",
	Long: `Loads a statute from a local text or HTML file, or from a web page, splits it
into overlapping chunks, embeds them and stores them in the vector store.
Chunks previously stored for the same source are replaced.`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to a .txt or .html file")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "page to load (linked pages are followed up to --max-depth)")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "source id stored with every chunk (default from config, then the file name)")
	ingestCmd.Flags().StringVar(&ingestDocumentType, "document-type", "", "document type metadata")
	ingestCmd.Flags().StringVar(&ingestJurisdiction, "jurisdiction", "", "jurisdiction metadata")
	ingestCmd.Flags().IntVar(&ingestYear, "year", 0, "year metadata")
	ingestCmd.Flags().IntVar(&ingestMaxDepth, "max-depth", -1, "link depth to follow for --url (default from config)")
	ingestCmd.MarkFlagsMutuallyExclusive("file", "url")
	ingestCmd.MarkFlagsOneRequired("file", "url")
	rootCmd.AddCommand(ingestCmd)
}

// ingestMetadata layers the command line flags over the configured document metadata.
func ingestMetadata(cfg *cfgPkg.Config) models.Metadata {
	meta := cfg.DocumentMetadata()
	if ingestSource != "" {
		meta[models.MetaSource] = ingestSource
	}
	if ingestDocumentType != "" {
		meta[models.MetaDocumentType] = ingestDocumentType
	}
	if ingestJurisdiction != "" {
		meta[models.MetaJurisdiction] = ingestJurisdiction
	}
	if ingestYear != 0 {
		meta[models.MetaYear] = ingestYear
	}
	return meta
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	a, err := newApp(ctx, config, wireOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.embedder.HealthCheck(ctx); err != nil {
		return fmt.Errorf("embedding service check failed: %w", err)
	}

	loaderCfg := config.LoaderConfig()
	if ingestMaxDepth >= 0 {
		loaderCfg.MaxDepth = ingestMaxDepth
	}
	var pages atomic.Int32
	loaderCfg.OnProgress = func(string) { pages.Add(1) }
	loader := source.NewWithConfig(loaderCfg, logger)

	// Load the document
	spinner := getSpinner(out, " Loading document...")
	var doc models.Document
	if ingestFile != "" {
		doc, err = loader.LoadFile(ingestFile, ingestMetadata(config))
	} else {
		doc, err = loader.LoadURL(ctx, ingestURL, ingestMetadata(config))
	}
	_ = spinner.Finish()
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	fmt.Fprintln(out)
	if ingestURL != "" {
		color.New(color.FgGreen).Fprintf(out, "✓ Loaded %d pages (%d characters)\n", pages.Load(), len([]rune(doc.Text)))
	} else {
		color.New(color.FgGreen).Fprintf(out, "✓ Loaded %s (%d characters)\n", ingestFile, len([]rune(doc.Text)))
	}

	// Embed and store
	progress := &embedProgress{bar: getProgressBar(out, -1, " Embedding chunks")}
	report, err := a.pipeline.BuildKnowledgeBase(ctx, doc, progress.update)
	_ = progress.bar.Finish()
	fmt.Fprintln(out)
	if err != nil {
		printPartial(out, report)
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printReport(out, report)
	if config.Database.Driver == "memory" {
		color.New(color.FgYellow).Fprintln(out, "  the memory driver keeps chunks only for this process; use postgres to persist them")
	}
	return nil
}

func printReport(w io.Writer, report *pipeline.IngestReport) {
	green := color.New(color.FgGreen)
	green.Fprintf(w, "✓ Stored %d chunks for %q in %s\n",
		report.Stored, report.Source, report.Duration.Round(time.Millisecond))
	if report.Replaced {
		color.New(color.FgBlue).Fprintf(w, "  previous chunks for %q were replaced\n", report.Source)
	}
}

func printPartial(w io.Writer, report *pipeline.IngestReport) {
	if report == nil {
		return
	}
	color.New(color.FgRed).Fprintf(w, "✗ Embedded %d of %d chunks before the failure; nothing was stored\n",
		report.Embedded, report.Chunks)
}
