package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS fragments (
	id          TEXT PRIMARY KEY,
	created_at  TEXT NOT NULL,
	text        TEXT NOT NULL,
	tags_json   TEXT NOT NULL,
	source      TEXT,
	trust       REAL NOT NULL DEFAULT 0.6,
	emb         BLOB
);
CREATE INDEX IF NOT EXISTS idx_fragments_created ON fragments(created_at DESC);

CREATE TABLE IF NOT EXISTS outcomes (
	id              TEXT PRIMARY KEY,
	created_at      TEXT NOT NULL,
	task            TEXT NOT NULL,
	plan_json       TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	lesson          TEXT NOT NULL,
	citations_json  TEXT NOT NULL,
	signals_json    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_created ON outcomes(created_at DESC);
`

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// backfillBatch bounds how many texts go into one embedding call.
const backfillBatch = 32

// #endregion schema

// #region store-struct
// Store persists fragments, outcome cards and the concept graph in SQLite.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Pragmas are per-connection and ":memory:" is per-connection too.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if _, err := db.Exec(conceptSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate concepts: %w", err)
	}
	return &Store{db: db}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region append
// Append inserts a new fragment. trust <= 0 falls back to DefaultTrust.
func (s *Store) Append(ctx context.Context, text string, tags []string, trust float64) (Fragment, error) {
	return s.AppendFragment(ctx, Fragment{Text: text, Tags: tags, Trust: trust})
}

// AppendFragment inserts f, assigning an id and timestamp when missing.
func (s *Store) AppendFragment(ctx context.Context, f Fragment) (Fragment, error) {
	if strings.TrimSpace(f.Text) == "" {
		return Fragment{}, fmt.Errorf("append fragment: empty text")
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Trust <= 0 {
		f.Trust = DefaultTrust
	}
	if f.Tags == nil {
		f.Tags = []string{}
	}

	tagsJSON, err := json.Marshal(f.Tags)
	if err != nil {
		return Fragment{}, fmt.Errorf("marshal tags: %w", err)
	}

	var emb interface{}
	if f.HasEmbedding() {
		emb = encodeVector(f.Embedding)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fragments (id, created_at, text, tags_json, source, trust, emb)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CreatedAt.UTC().Format(timeLayout), f.Text, string(tagsJSON),
		nullIfEmpty(f.Source), f.Trust, emb,
	)
	if err != nil {
		return Fragment{}, fmt.Errorf("insert fragment: %w", err)
	}
	return f, nil
}

// #endregion append

// #region list-recent
// ListRecent returns up to limit fragments, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, text, tags_json, source, trust, emb
		 FROM fragments ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var frags []Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

// Get reads a single fragment by id.
func (s *Store) Get(ctx context.Context, id string) (Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, text, tags_json, source, trust, emb
		 FROM fragments WHERE id = ?`, id,
	)
	f, err := scanFragment(row)
	if err != nil {
		return Fragment{}, fmt.Errorf("get fragment %s: %w", id, err)
	}
	return f, nil
}

// Lessons returns the newest fragments tagged "lesson".
func (s *Store) Lessons(ctx context.Context, limit int) ([]Fragment, error) {
	frags, err := s.ListRecent(ctx, limit*4)
	if err != nil {
		return nil, err
	}
	var lessons []Fragment
	for _, f := range frags {
		if hasTag(f.Tags, "lesson") {
			lessons = append(lessons, f)
			if len(lessons) == limit {
				break
			}
		}
	}
	return lessons, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFragment(sc scanner) (Fragment, error) {
	var f Fragment
	var createdStr, tagsJSON string
	var source sql.NullString
	var emb []byte
	if err := sc.Scan(&f.ID, &createdStr, &f.Text, &tagsJSON, &source, &f.Trust, &emb); err != nil {
		return Fragment{}, fmt.Errorf("scan fragment: %w", err)
	}
	f.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	if err := json.Unmarshal([]byte(tagsJSON), &f.Tags); err != nil {
		f.Tags = []string{}
	}
	if source.Valid {
		f.Source = source.String
	}
	f.Embedding = decodeVector(emb)
	return f, nil
}

// #endregion list-recent

// #region backfill
// BackfillEmbeddings embeds every fragment in frags that has no vector yet,
// updating the slice in place and in storage. Rows that already carry a
// vector are left untouched, so concurrent backfills are harmless.
// Returns the number of fragments embedded.
func (s *Store) BackfillEmbeddings(ctx context.Context, frags []Fragment, embedder Embedder) (int, error) {
	var missing []int
	for i := range frags {
		if !frags[i].HasEmbedding() {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	filled := 0
	for start := 0; start < len(missing); start += backfillBatch {
		end := min(start+backfillBatch, len(missing))
		batch := missing[start:end]

		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = frags[idx].Text
		}
		vecs, err := embedder.Embed(ctx, texts)
		if err != nil {
			return filled, fmt.Errorf("backfill embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return filled, fmt.Errorf("backfill embed: got %d vectors for %d texts", len(vecs), len(batch))
		}

		for j, idx := range batch {
			if len(vecs[j]) == 0 {
				continue
			}
			if err := s.SetEmbedding(ctx, frags[idx].ID, vecs[j]); err != nil {
				return filled, err
			}
			frags[idx].Embedding = vecs[j]
			filled++
		}
	}
	return filled, nil
}

// SetEmbedding stores vec for fragment id unless it already has one.
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE fragments SET emb = ? WHERE id = ? AND emb IS NULL`,
		encodeVector(vec), id,
	)
	if err != nil {
		return fmt.Errorf("set embedding %s: %w", id, err)
	}
	return nil
}

// #endregion backfill

// #region outcomes
// RecordOutcome persists an outcome card.
func (s *Store) RecordOutcome(ctx context.Context, card OutcomeCard) (OutcomeCard, error) {
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	if card.Citations == nil {
		card.Citations = []string{}
	}

	planJSON, err := json.Marshal(card.Plan)
	if err != nil {
		return OutcomeCard{}, fmt.Errorf("marshal plan: %w", err)
	}
	citJSON, err := json.Marshal(card.Citations)
	if err != nil {
		return OutcomeCard{}, fmt.Errorf("marshal citations: %w", err)
	}
	sigJSON, err := json.Marshal(card.Signals)
	if err != nil {
		return OutcomeCard{}, fmt.Errorf("marshal signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, created_at, task, plan_json, outcome, lesson, citations_json, signals_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		card.ID, card.CreatedAt.UTC().Format(timeLayout), card.Task, string(planJSON),
		card.Outcome, card.Lesson, string(citJSON), string(sigJSON),
	)
	if err != nil {
		return OutcomeCard{}, fmt.Errorf("insert outcome: %w", err)
	}
	return card, nil
}

// ListOutcomes returns up to limit outcome cards, newest first.
func (s *Store) ListOutcomes(ctx context.Context, limit int) ([]OutcomeCard, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, task, plan_json, outcome, lesson, citations_json, signals_json
		 FROM outcomes ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var cards []OutcomeCard
	for rows.Next() {
		var c OutcomeCard
		var createdStr, planJSON, citJSON, sigJSON string
		if err := rows.Scan(&c.ID, &createdStr, &c.Task, &planJSON, &c.Outcome, &c.Lesson, &citJSON, &sigJSON); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		c.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		if err := json.Unmarshal([]byte(planJSON), &c.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
		if err := json.Unmarshal([]byte(citJSON), &c.Citations); err != nil {
			return nil, fmt.Errorf("unmarshal citations: %w", err)
		}
		if err := json.Unmarshal([]byte(sigJSON), &c.Signals); err != nil {
			return nil, fmt.Errorf("unmarshal signals: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// #endregion outcomes

// #region vector-encoding
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// #endregion vector-encoding

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// #endregion helpers
