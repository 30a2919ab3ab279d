// Package skills implements the daemon's long-term procedural memory: an
// append-only SQLite store of verified action sequences, queried by semantic
// similarity so previously solved tasks skip inference entirely.
package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"warden/internal/embedding"
	"warden/internal/logging"
)

// ErrNotFound is returned when a skill id does not exist.
var ErrNotFound = errors.New("skill not found")

// Skill is one verified procedure. The action sequence is immutable once
// committed; only success_count changes afterward.
type Skill struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	TaskContext    string    `json:"task_context"`
	ActionSequence []string  `json:"action_sequence"`
	Category       string    `json:"category"`
	SuccessCount   int       `json:"success_count"`
	CreatedAt      time.Time `json:"created_at"`

	Embedding []float32 `json:"embedding_vector"`
}

// Match pairs a stored skill with its similarity to a query.
type Match struct {
	Skill
	Similarity float64 `json:"similarity"`
}

// Store persists skills in SQLite. Writes are serialized through a single
// connection; similarity scans run in Go over JSON-encoded vectors.
type Store struct {
	db        *sql.DB
	engine    embedding.Engine
	threshold float64
	maxHits   int

	mu sync.RWMutex
}

const schema = `
CREATE TABLE IF NOT EXISTS skills (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	task_context   TEXT NOT NULL,
	action_sequence TEXT NOT NULL,
	category       TEXT NOT NULL DEFAULT '',
	embedding      TEXT NOT NULL,
	success_count  INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_skills_created_at ON skills(created_at);
`

// migrations bring databases created before a column existed up to the
// current schema. Duplicate-column errors mean the column is already there.
var migrations = []string{
	`ALTER TABLE skills ADD COLUMN title TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE skills ADD COLUMN category TEXT NOT NULL DEFAULT ''`,
}

// Open opens (creating if needed) the skill store at path.
func Open(path string, engine embedding.Engine, threshold float64, maxHits int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open skill database: %w", err)
	}

	// Single connection serializes writes; SQLite handles the rest.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	if maxHits <= 0 {
		maxHits = 5
	}

	return &Store{
		db:        db,
		engine:    engine,
		threshold: threshold,
		maxHits:   maxHits,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetThreshold updates the similarity cut-off. Used by config hot reload.
func (s *Store) SetThreshold(threshold float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = threshold
}

// Commit appends a new skill after a verified success. The caller is
// responsible for only committing sequences that passed verification;
// the store never updates an existing sequence. The title is condensed
// from the task context; category groups skills in the export catalog.
func (s *Store) Commit(ctx context.Context, taskContext, category string, actions []string) (*Skill, error) {
	if taskContext == "" {
		return nil, fmt.Errorf("task context is required")
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("action sequence is empty")
	}
	if category == "" {
		category = "general"
	}

	vec, err := s.engine.Embed(ctx, taskContext)
	if err != nil {
		return nil, fmt.Errorf("failed to embed task context: %w", err)
	}

	skill := &Skill{
		ID:             uuid.NewString(),
		Title:          titleFrom(taskContext),
		TaskContext:    taskContext,
		ActionSequence: append([]string(nil), actions...),
		Category:       category,
		SuccessCount:   1,
		CreatedAt:      time.Now().UTC(),
		Embedding:      vec,
	}

	actionsJSON, err := json.Marshal(skill.ActionSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action sequence: %w", err)
	}
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO skills (id, title, task_context, action_sequence, category, embedding, success_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		skill.ID, skill.Title, skill.TaskContext, string(actionsJSON), skill.Category,
		string(vecJSON), skill.SuccessCount, skill.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert skill: %w", err)
	}

	logging.Get(logging.CategoryMemory).Infof("committed skill %s (%d actions): %s",
		skill.ID, len(skill.ActionSequence), skill.TaskContext)
	return skill, nil
}

// Query returns skills whose similarity to the query text meets the
// threshold, most similar first. Equal similarities rank newer skills first.
func (s *Store) Query(ctx context.Context, text string) ([]Match, error) {
	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	threshold := s.threshold
	s.mu.RUnlock()

	all, err := s.scanAll(ctx)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(all))
	for _, skill := range all {
		sim, err := embedding.CosineSimilarity(vec, skill.Embedding)
		if err != nil {
			// Dimension mismatch from an old embedding model; skip, don't fail.
			logging.Get(logging.CategoryMemory).Warnf("skipping skill %s: %v", skill.ID, err)
			continue
		}
		if sim >= threshold {
			matches = append(matches, Match{Skill: skill, Similarity: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	if len(matches) > s.maxHits {
		matches = matches[:s.maxHits]
	}
	return matches, nil
}

// MarkReuse records a successful reuse of a stored skill. Only the counter
// moves; the action sequence stays untouched.
func (s *Store) MarkReuse(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET success_count = success_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to update success count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single skill by id.
func (s *Store) Get(ctx context.Context, id string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, task_context, action_sequence, category, embedding, success_count, created_at
		 FROM skills WHERE id = ?`, id)
	skill, err := scanSkill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &skill, nil
}

// Count returns the number of stored skills.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM skills`).Scan(&n)
	return n, err
}

// Export writes the full catalog as JSON, newest first. Each entry carries
// the complete record including its embedding vector, so an external
// catalog can re-index without access to the embedding backend.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	all, err := s.scanAll(ctx)
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(all)
}

// titleFrom condenses a task context into a one-line catalog title.
func titleFrom(taskContext string) string {
	title, _, _ := strings.Cut(strings.TrimSpace(taskContext), "\n")
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (Skill, error) {
	var (
		skill       Skill
		actionsJSON string
		vecJSON     string
	)
	if err := row.Scan(&skill.ID, &skill.Title, &skill.TaskContext, &actionsJSON,
		&skill.Category, &vecJSON, &skill.SuccessCount, &skill.CreatedAt); err != nil {
		return Skill{}, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &skill.ActionSequence); err != nil {
		return Skill{}, fmt.Errorf("corrupt action sequence for %s: %w", skill.ID, err)
	}
	if err := json.Unmarshal([]byte(vecJSON), &skill.Embedding); err != nil {
		return Skill{}, fmt.Errorf("corrupt embedding for %s: %w", skill.ID, err)
	}
	return skill, nil
}

func (s *Store) scanAll(ctx context.Context) ([]Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, task_context, action_sequence, category, embedding, success_count, created_at FROM skills`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan skills: %w", err)
	}
	defer rows.Close()

	var out []Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, skill)
	}
	return out, rows.Err()
}
