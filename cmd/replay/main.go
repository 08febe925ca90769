package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/cuidado/internal/config"
	"github.com/danielpatrickdp/cuidado/internal/memory"
	"github.com/danielpatrickdp/cuidado/internal/replay"
)

// #region main

type options struct {
	cfgPath     string
	dbPath      string
	fixturePath string
	exportPath  string
	last        int

	tu, tn, tv                   float64
	triggerU, triggerN, triggerV float64
}

// errDrift makes the process exit 1 without printing usage.
type errDrift struct{ n int }

func (e errDrift) Error() string { return fmt.Sprintf("%d replayed card(s) diverge", e.n) }

func main() {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-plan recorded outcomes under candidate thresholds",
		Long: "Replays outcome cards from the database (or a YAML fixture) through the planner\n" +
			"and helper triggers, and reports which turns would have planned differently.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.fixturePath != "" {
				return o.runFixture()
			}
			return o.runDB(cmd)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.cfgPath, "config", "", "config file (default ./cuidado.yaml if present)")
	f.StringVar(&o.dbPath, "db", "", "database path (overrides config)")
	f.StringVar(&o.fixturePath, "fixture", "", "replay a YAML fixture and compare with its expected actions")
	f.StringVar(&o.exportPath, "export", "", "write the replayed cards as a YAML fixture")
	f.IntVar(&o.last, "last", 200, "replay N most recent outcomes")
	f.Float64Var(&o.tu, "tu", 0, "planner uncertainty threshold (0 keeps config)")
	f.Float64Var(&o.tn, "tn", 0, "planner novelty threshold (0 keeps config)")
	f.Float64Var(&o.tv, "tv", 0, "planner value-at-risk threshold (0 keeps config)")
	f.Float64Var(&o.triggerU, "trigger-u", 0, "helper uncertainty trigger (0 keeps config)")
	f.Float64Var(&o.triggerN, "trigger-n", 0, "helper novelty trigger (0 keeps config)")
	f.Float64Var(&o.triggerV, "trigger-v", 0, "helper value-at-risk trigger (0 keeps config)")
	cmd.MarkFlagsMutuallyExclusive("fixture", "db")
	cmd.MarkFlagsMutuallyExclusive("fixture", "export")

	if err := cmd.Execute(); err != nil {
		if errors.As(err, new(errDrift)) {
			os.Exit(1)
		}
		log.Fatalf("replay: %v", err)
	}
}

// #endregion main

// #region db-mode

func (o *options) runDB(cmd *cobra.Command) error {
	cfg, err := config.Load(o.cfgPath)
	if err != nil {
		return err
	}
	path := cfg.DB
	if o.dbPath != "" {
		path = o.dbPath
	}
	store, err := memory.NewStore(path)
	if err != nil {
		return fmt.Errorf("open db %s: %w", path, err)
	}
	defer store.Close()

	cards, err := store.ListOutcomes(cmd.Context(), o.last)
	if err != nil {
		return err
	}
	if len(cards) == 0 {
		fmt.Fprintln(os.Stderr, "no outcome cards recorded")
		return nil
	}
	// Oldest first so the table reads like the session did.
	slices.Reverse(cards)

	rc := o.overrides(replay.Config{Planner: cfg.PlannerConfig(), Gate: cfg.GateConfig()})
	results, summary := replay.Run(cards, rc)
	printResults(results)
	printSummary(summary)

	if o.exportPath != "" {
		fx := replay.BuildFixture(fmt.Sprintf("exported from %s (%d cards)", path, len(cards)), cards, rc)
		if err := replay.WriteFixture(o.exportPath, fx); err != nil {
			return err
		}
		fmt.Printf("\nWrote fixture %s\n", o.exportPath)
	}
	return nil
}

// #endregion db-mode

// #region fixture-mode

func (o *options) runFixture() error {
	fx, err := replay.LoadFixture(o.fixturePath)
	if err != nil {
		return err
	}
	rc := o.overrides(fx.Config.ToConfig())
	results, summary := replay.Run(fx.ToCards(), rc)

	fmt.Printf("%-12s| %-15s| %-15s| %s\n", "Card", "Expected", "Replayed", "Match")
	fmt.Printf("%-12s+%-15s+%-15s+%s\n",
		"------------", "----------------", "----------------", "------")

	total := min(len(results), len(fx.ExpectedResults))
	diverge := 0
	for i := 0; i < total; i++ {
		exp := fx.ExpectedResults[i].Action
		got := results[i].Action
		match := "OK"
		if exp != got {
			match = "DIFF"
			diverge++
		}
		fmt.Printf("%-12s| %-15s| %-15s| %s\n", shortID(results[i].CardID), exp, got, match)
	}
	fmt.Printf("\nSummary: %d total, %d match, %d diverge\n", total, total-diverge, diverge)
	printSummary(summary)

	if diverge > 0 {
		return errDrift{n: diverge}
	}
	return nil
}

// #endregion fixture-mode

// #region output

func (o *options) overrides(rc replay.Config) replay.Config {
	setIf(&rc.Planner.ThresholdU, o.tu)
	setIf(&rc.Planner.ThresholdN, o.tn)
	setIf(&rc.Planner.ThresholdV, o.tv)
	setIf(&rc.Gate.TriggerU, o.triggerU)
	setIf(&rc.Gate.TriggerN, o.triggerN)
	setIf(&rc.Gate.TriggerV, o.triggerV)
	return rc
}

func setIf(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func printResults(results []replay.Result) {
	fmt.Printf("%-12s| %-10s| %-13s| %5s %5s %5s | %-6s| %s\n", "Card", "Recorded", "Action", "U", "N", "V", "Helper", "Reason")
	fmt.Printf("%-12s+%-11s+%-14s+%-19s+%-7s+%s\n",
		"------------", "-----------", "--------------", "-------------------", "-------", "------")
	for _, r := range results {
		helper := "-"
		if len(r.HelperTriggers) > 0 {
			helper = "yes"
		}
		if r.HelperChanged {
			helper += "*"
		}
		fmt.Printf("%-12s| %-10s| %-13s| %5.2f %5.2f %5.2f | %-6s| %s\n",
			shortID(r.CardID), r.Recorded.Mode, r.Action,
			r.Signals.Uncertainty, r.Signals.Novelty, r.Signals.ValueAtRisk, helper, r.Reason)
	}
}

func printSummary(s replay.Summary) {
	fmt.Printf("\nReplayed %d: fast=%d thoughtful=%d changed=%d helper_eligible=%d helper_changed=%d skipped=%d\n",
		s.Total, s.Fast, s.Thoughtful, s.Changed, s.HelperEligible, s.HelperChanged, s.Skipped)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
