package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// #region schema
const conceptSchema = `
CREATE TABLE IF NOT EXISTS concepts (
	id          TEXT PRIMARY KEY,
	label       TEXT NOT NULL UNIQUE,
	created_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fragment_concepts (
	fragment_id  TEXT NOT NULL,
	concept_id   TEXT NOT NULL,
	weight       REAL NOT NULL DEFAULT 1.0,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (fragment_id, concept_id),
	FOREIGN KEY (fragment_id) REFERENCES fragments(id),
	FOREIGN KEY (concept_id) REFERENCES concepts(id)
);
CREATE INDEX IF NOT EXISTS idx_fc_fragment ON fragment_concepts(fragment_id);
CREATE INDEX IF NOT EXISTS idx_fc_concept ON fragment_concepts(concept_id);
`

// #endregion schema

// #region mining-constants
const (
	tagWeight       = 1.0
	keywordBase     = 0.5
	keywordStep     = 0.05
	keywordMaxBoost = 0.5
	keywordWindow   = 40
	keywordTop      = 5
)

var keywordRe = regexp.MustCompile(`\b[\w'-]{3,}\b`)

var conceptStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "was": true, "were": true, "from": true,
	"about": true, "into": true, "over": true, "under": true, "then": true,
	"you": true,
}

// #endregion mining-constants

// #region link
// LinkConcept attaches label to a fragment with the given weight. Relinking
// the same pair overwrites the weight.
func (s *Store) LinkConcept(ctx context.Context, fragmentID, label string, weight float64) error {
	label = strings.ToLower(strings.TrimSpace(label))
	if len(label) < 2 {
		return nil
	}
	conceptID, err := s.upsertConcept(ctx, label)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fragment_concepts (fragment_id, concept_id, weight, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fragment_id, concept_id) DO UPDATE SET
		   weight = excluded.weight,
		   updated_at = excluded.updated_at`,
		fragmentID, conceptID, weight, now,
	)
	if err != nil {
		return fmt.Errorf("link concept %s: %w", label, err)
	}
	return nil
}

func (s *Store) upsertConcept(ctx context.Context, label string) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO concepts (id, label, created_at) VALUES (?, ?, ?)`,
		uuid.New().String(), label, now,
	); err != nil {
		return "", fmt.Errorf("upsert concept %s: %w", label, err)
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM concepts WHERE label = ?`, label).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("lookup concept %s: %w", label, err)
	}
	return id, nil
}

// #endregion link

// #region mine
// MineConcepts links a fragment's tags (weight 1.0) and its most frequent
// early keywords (weight 0.5 plus 0.05 per occurrence, capped at 1.0).
func (s *Store) MineConcepts(ctx context.Context, f Fragment) ([]Concept, error) {
	var mined []Concept
	for _, tag := range f.Tags {
		if len(strings.TrimSpace(tag)) < 2 {
			continue
		}
		if err := s.LinkConcept(ctx, f.ID, tag, tagWeight); err != nil {
			return mined, err
		}
		mined = append(mined, Concept{Label: strings.ToLower(strings.TrimSpace(tag)), Weight: tagWeight})
	}
	for _, kw := range Keywords(f.Text) {
		if err := s.LinkConcept(ctx, f.ID, kw.Label, kw.Weight); err != nil {
			return mined, err
		}
		mined = append(mined, kw)
	}
	return mined, nil
}

// Keywords returns up to five weighted keywords drawn from the first forty
// non-stopword words of text.
func Keywords(text string) []Concept {
	words := keywordRe.FindAllString(strings.ToLower(text), -1)
	counts := make(map[string]int)
	var order []string
	taken := 0
	for _, w := range words {
		if conceptStopwords[w] {
			continue
		}
		if taken == keywordWindow {
			break
		}
		taken++
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > keywordTop {
		order = order[:keywordTop]
	}
	out := make([]Concept, len(order))
	for i, w := range order {
		boost := min(keywordMaxBoost, float64(counts[w])*keywordStep)
		out[i] = Concept{Label: w, Weight: keywordBase + boost}
	}
	return out
}

// #endregion mine

// #region queries
// ConceptsForFragment returns the concepts linked to one fragment, strongest first.
func (s *Store) ConceptsForFragment(ctx context.Context, fragmentID string) ([]Concept, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.label, fc.weight
		 FROM fragment_concepts fc JOIN concepts c ON c.id = fc.concept_id
		 WHERE fc.fragment_id = ?
		 ORDER BY fc.weight DESC, c.label ASC`, fragmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("concepts for fragment: %w", err)
	}
	return scanConcepts(rows)
}

// RelatedConcepts sums link weights across the given fragments and returns
// the strongest limit concepts.
func (s *Store) RelatedConcepts(ctx context.Context, fragmentIDs []string, limit int) ([]Concept, error) {
	if len(fragmentIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fragmentIDs)), ",")
	args := make([]interface{}, 0, len(fragmentIDs)+1)
	for _, id := range fragmentIDs {
		args = append(args, id)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.label, SUM(fc.weight) AS w
		 FROM fragment_concepts fc JOIN concepts c ON c.id = fc.concept_id
		 WHERE fc.fragment_id IN (`+placeholders+`)
		 GROUP BY c.id
		 ORDER BY w DESC, c.label ASC
		 LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("related concepts: %w", err)
	}
	return scanConcepts(rows)
}

// TopConcepts returns the concepts linked to the most fragments. Weight holds the link count.
func (s *Store) TopConcepts(ctx context.Context, limit int) ([]Concept, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.label, COUNT(*) AS n
		 FROM fragment_concepts fc JOIN concepts c ON c.id = fc.concept_id
		 GROUP BY c.id
		 ORDER BY n DESC, c.label ASC
		 LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("top concepts: %w", err)
	}
	return scanConcepts(rows)
}

func scanConcepts(rows *sql.Rows) ([]Concept, error) {
	defer rows.Close()
	var out []Concept
	for rows.Next() {
		var c Concept
		if err := rows.Scan(&c.ID, &c.Label, &c.Weight); err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

// #endregion queries
