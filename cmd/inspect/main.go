package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/cuidado/internal/config"
	"github.com/danielpatrickdp/cuidado/internal/logging"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/policy"
)

// #region main

type options struct {
	cfgPath string
	dbPath  string
	last    int
	jsonOut bool
}

func main() {
	opts := &options{}
	root := &cobra.Command{
		Use:          "inspect",
		Short:        "Read fragments, outcomes, concepts, audit rows and policy promotions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgPath, "config", "", "config file (default ./cuidado.yaml if present)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "database path (overrides config)")
	root.PersistentFlags().IntVar(&opts.last, "last", 20, "show N most recent rows")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "output as JSON instead of table")

	root.AddCommand(
		fragmentsCmd(opts),
		outcomesCmd(opts),
		conceptsCmd(opts),
		auditCmd(opts),
		promotionsCmd(opts),
	)
	if err := root.Execute(); err != nil {
		log.Fatalf("inspect: %v", err)
	}
}

func (o *options) open() (*memory.Store, config.Config, error) {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	path := cfg.DB
	if o.dbPath != "" {
		path = o.dbPath
	}
	store, err := memory.NewStore(path)
	if err != nil {
		return nil, cfg, fmt.Errorf("open db %s: %w", path, err)
	}
	return store, cfg, nil
}

// #endregion main

// #region fragments

func fragmentsCmd(o *options) *cobra.Command {
	var lessonsOnly bool
	cmd := &cobra.Command{
		Use:   "fragments",
		Short: "List recent memory fragments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := o.open()
			if err != nil {
				return err
			}
			defer store.Close()

			var frags []memory.Fragment
			if lessonsOnly {
				frags, err = store.Lessons(cmd.Context(), o.last)
			} else {
				frags, err = store.ListRecent(cmd.Context(), o.last)
			}
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(frags)
			}
			fmt.Printf("%-8s  %-20s  %5s  %3s  %-24s  %s\n", "ID", "Created", "Trust", "Emb", "Tags", "Text")
			for _, f := range frags {
				emb := "-"
				if f.HasEmbedding() {
					emb = "y"
				}
				fmt.Printf("%-8s  %-20s  %5.2f  %3s  %-24s  %s\n",
					shortID(f.ID), f.CreatedAt.Format("2006-01-02T15:04:05Z"), f.Trust, emb,
					clip(strings.Join(f.Tags, ","), 24), clip(f.Text, 60))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&lessonsOnly, "lessons", false, "only fragments tagged lesson")
	return cmd
}

// #endregion fragments

// #region outcomes

func outcomesCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "outcomes",
		Short: "List recent outcome cards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := o.open()
			if err != nil {
				return err
			}
			defer store.Close()

			cards, err := store.ListOutcomes(cmd.Context(), o.last)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(cards)
			}
			fmt.Printf("%-8s  %-20s  %-4s  %-10s  %4s  %4s  %4s  %s\n", "ID", "Created", "Out", "Mode", "U", "N", "V", "Lesson")
			for _, c := range cards {
				fmt.Printf("%-8s  %-20s  %-4s  %-10s  %4.2f  %4.2f  %4.2f  %s\n",
					shortID(c.ID), c.CreatedAt.Format("2006-01-02T15:04:05Z"), c.Outcome, c.Plan.Mode,
					c.Signals.Uncertainty, c.Signals.Novelty, c.Signals.ValueAtRisk, clip(c.Lesson, 60))
			}
			return nil
		},
	}
}

// #endregion outcomes

// #region concepts

func conceptsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "concepts",
		Short: "List the most linked concepts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := o.open()
			if err != nil {
				return err
			}
			defer store.Close()

			concepts, err := store.TopConcepts(cmd.Context(), o.last)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(concepts)
			}
			fmt.Printf("%-24s  %s\n", "Concept", "Links")
			for _, c := range concepts {
				fmt.Printf("%-24s  %.0f\n", clip(c.Label, 24), c.Weight)
			}
			return nil
		},
	}
}

// #endregion concepts

// #region audit

func auditCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, _, err := o.open()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := logging.EnsureSchema(store.DB()); err != nil {
				return err
			}
			events, err := logging.ListAudit(cmd.Context(), store.DB(), o.last)
			if err != nil {
				return err
			}
			if o.jsonOut {
				return printJSON(events)
			}
			for i := len(events) - 1; i >= 0; i-- {
				ev := events[i]
				fmt.Printf("%-8s  %-15s  %s\n", shortID(ev.TurnID), ev.Stage, logging.FormatLine(ev))
				if ev.Detail != "" {
					fmt.Printf("%-8s  %-15s  %s\n", "", "", ev.Detail)
				}
			}
			return nil
		},
	}
}

// #endregion audit

// #region promotions

func promotionsCmd(o *options) *cobra.Command {
	var (
		apply   string
		dir     string
		lessons int
	)
	cmd := &cobra.Command{
		Use:   "promotions",
		Short: "Propose persona changes from recent lessons, or apply one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, cfg, err := o.open()
			if err != nil {
				return err
			}
			defer store.Close()
			if dir == "" {
				dir = cfg.Policy.Dir
			}

			frags, err := store.Lessons(cmd.Context(), lessons)
			if err != nil {
				return err
			}
			texts := make([]string, len(frags))
			for i, f := range frags {
				texts[i] = f.Text
			}

			if apply != "" {
				res, err := policy.ApplyPromotion(dir, apply, texts)
				if err != nil {
					return err
				}
				fmt.Printf("Applied %s (backup: %s)\n", res.ID, res.BackupPath)
				return nil
			}

			persona, err := policy.NewFileProvider(dir, zap.NewNop()).RawPersona()
			if err != nil {
				return err
			}
			candidates := policy.ProposePromotions(persona, texts)
			if o.jsonOut {
				return printJSON(candidates)
			}
			if len(candidates) == 0 {
				fmt.Fprintln(os.Stderr, "no promotion candidates")
				return nil
			}
			for _, c := range candidates {
				fmt.Printf("%s  %s\n  %s\n%s\n", c.ID, c.Title, c.Reason, indent(c.DiffPreview))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apply, "apply", "", "candidate id to merge into persona.yaml")
	cmd.Flags().StringVar(&dir, "policy-dir", "", "policy directory (default from config)")
	cmd.Flags().IntVar(&lessons, "lessons", 200, "recent lessons to scan")
	return cmd
}

// #endregion promotions

// #region helpers

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func indent(s string) string {
	if s == "" {
		return ""
	}
	return "    " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n    ")
}

// #endregion helpers
