package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/cuidado/internal/codec"
	"github.com/danielpatrickdp/cuidado/internal/config"
	"github.com/danielpatrickdp/cuidado/internal/embedding"
	"github.com/danielpatrickdp/cuidado/internal/memory"
)

// #region main
func main() {
	var (
		cfgPath string
		dbPath  string
		noEmbed bool
	)
	cmd := &cobra.Command{
		Use:          "seed <file.yaml>",
		Short:        "Load memory fragments from a YAML file, mine concepts and embed them",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfgPath, dbPath, args[0], !noEmbed)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default ./cuidado.yaml if present)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides config)")
	cmd.Flags().BoolVar(&noEmbed, "no-embed", false, "skip the embedding backfill")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("seed: %v", err)
	}
}

// #endregion main

// #region seed-file

// seedEntry is one fragment in a seed file.
type seedEntry struct {
	Text   string   `yaml:"text"`
	Tags   []string `yaml:"tags"`
	Source string   `yaml:"source"`
	Trust  float64  `yaml:"trust"`
}

func loadSeed(path string) ([]seedEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return parseSeed(data)
}

// parseSeed decodes a YAML list of entries, dropping blank texts and
// defaulting the source to "seed".
func parseSeed(data []byte) ([]seedEntry, error) {
	var raw []seedEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	out := raw[:0]
	for _, e := range raw {
		e.Text = strings.TrimSpace(e.Text)
		if e.Text == "" {
			continue
		}
		if e.Source == "" {
			e.Source = "seed"
		}
		out = append(out, e)
	}
	return out, nil
}

// #endregion seed-file

// #region run
func run(ctx context.Context, cfgPath, dbPath, seedPath string, embed bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DB = dbPath
	}
	entries, err := loadSeed(seedPath)
	if err != nil {
		return err
	}

	fmt.Println("=== Memory Seed ===")
	fmt.Printf("  DB: %s | Backend: %s | Entries: %d\n", cfg.DB, cfg.Backend, len(entries))

	store, err := memory.NewStore(cfg.DB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Phase 1: fragments and concepts
	fmt.Println("\n--- Phase 1: Fragments ---")
	frags := make([]memory.Fragment, 0, len(entries))
	links := 0
	for i, e := range entries {
		f, err := store.AppendFragment(ctx, memory.Fragment{Text: e.Text, Tags: e.Tags, Source: e.Source, Trust: e.Trust})
		if err != nil {
			return err
		}
		concepts, err := store.MineConcepts(ctx, f)
		if err != nil {
			log.Printf("mine concepts for %s: %v", f.ID[:8], err)
		}
		links += len(concepts)
		frags = append(frags, f)

		if (i+1)%10 == 0 || i+1 == len(entries) {
			fmt.Printf("  [%d/%d] stored, %d concept links so far\n", i+1, len(entries), links)
		}
	}

	if !embed || len(frags) == 0 {
		fmt.Println("\nDone.")
		return nil
	}

	// Phase 2: embeddings
	fmt.Println("\n--- Phase 2: Embeddings ---")
	embedder, closeFn, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	embedCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	n, err := store.BackfillEmbeddings(embedCtx, frags, embedder)
	if err != nil {
		// Unembedded rows are picked up by the next turn's backfill.
		fmt.Printf("  embedded %d of %d before error: %v\n", n, len(frags), err)
		return nil
	}
	fmt.Printf("  embedded %d of %d\n", n, len(frags))
	fmt.Println("\nDone.")
	return nil
}

func newEmbedder(cfg config.Config) (memory.Embedder, func(), error) {
	if cfg.Backend == config.BackendCodec {
		cc, err := codec.NewCodecClient(cfg.Codec.Addr)
		if err != nil {
			return nil, nil, err
		}
		return cc.WithTimeout(cfg.Codec.Timeout), func() { cc.Close() }, nil
	}
	oe, err := embedding.NewOllamaEmbedder(cfg.EmbeddingConfig(), zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return oe, func() {}, nil
}

// #endregion run
