package trivia

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// sqlNoRows is sql.ErrNoRows, aliased so the facade in trivia.go doesn't
// need its own "database/sql" import just to compare against it.
var sqlNoRows = sql.ErrNoRows

// store wraps a SQLite connection for memory persistence: the metadata
// tables (memory, memory_tag, memory_link) and the vector index (embeddings
// stored as blobs on the memory row, scanned in Go for KNN) live on the same
// connection and share its transactions.
type store struct {
	db *sql.DB
}

// newStore opens (or creates) the SQLite database and runs migrations.
func newStore(path string) (*store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("trivia: mkdir %s: %w", dir, err)
		}
	}

	// foreign_keys is per-connection in SQLite, not persisted in the file, so
	// it's set via DSN rather than in the once-only migration block — that
	// way ON DELETE CASCADE (§8.2) still fires on every reopen of an
	// existing database, not just on first create.
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("trivia: open db: %w", err)
	}

	// Single connection: this store is single-writer by design (§5), and a
	// single *sql.DB connection gives every query serializable ordering
	// against the others without extra locking.
	db.SetMaxOpenConns(1)

	s := &store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trivia: migrate: %w", err)
	}
	return s, nil
}

func (s *store) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memory (
				mnemonic        TEXT PRIMARY KEY,
				content         TEXT NOT NULL,
				vector          BLOB,
				created_at      TEXT NOT NULL DEFAULT (datetime('now')),
				updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
				recall_count    INTEGER NOT NULL DEFAULT 0,
				useful_count    INTEGER NOT NULL DEFAULT 0,
				not_useful_count INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE IF NOT EXISTS memory_tag (
				mnemonic TEXT NOT NULL REFERENCES memory(mnemonic) ON DELETE CASCADE,
				tag      TEXT NOT NULL,
				PRIMARY KEY (mnemonic, tag)
			);
			CREATE INDEX IF NOT EXISTS idx_memory_tag_tag ON memory_tag(tag);

			CREATE TABLE IF NOT EXISTS memory_link (
				source     TEXT NOT NULL REFERENCES memory(mnemonic) ON DELETE CASCADE,
				target     TEXT NOT NULL REFERENCES memory(mnemonic) ON DELETE CASCADE,
				link_type  TEXT NOT NULL DEFAULT 'related',
				created_at TEXT NOT NULL DEFAULT (datetime('now')),
				PRIMARY KEY (source, target, link_type)
			);
			CREATE INDEX IF NOT EXISTS idx_memory_link_source ON memory_link(source);
			CREATE INDEX IF NOT EXISTS idx_memory_link_target ON memory_link(target);
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

// --- Vector encoding ---

// encodeVector converts a float32 slice to a little-endian byte blob.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector converts a little-endian byte blob back to a float32 slice.
func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

const timeLayout = "2006-01-02 15:04:05"

// --- Memory CRUD ---

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// insertMemory stores a new memory row plus its vector and tags. Callers
// hold s in a transaction when this needs to be atomic with other writes.
func (s *store) insertMemory(x execer, mnemonic, content string, vec []float32, tags []string) error {
	if _, err := x.Exec(`
		INSERT INTO memory (mnemonic, content, vector) VALUES (?, ?, ?)`,
		mnemonic, content, encodeVector(vec),
	); err != nil {
		return err
	}
	return s.setTags(x, mnemonic, tags)
}

func (s *store) setTags(x execer, mnemonic string, tags []string) error {
	for _, tag := range tags {
		if _, err := x.Exec(`
			INSERT INTO memory_tag (mnemonic, tag) VALUES (?, ?)
			ON CONFLICT(mnemonic, tag) DO NOTHING`,
			mnemonic, tag,
		); err != nil {
			return err
		}
	}
	return nil
}

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var m Memory
	var created, updated string
	if err := row.Scan(&m.Mnemonic, &m.Content, &created, &updated, &m.RecallCount, &m.UsefulCount, &m.NotUsefulCount); err != nil {
		return m, err
	}
	m.CreatedAt, _ = time.Parse(timeLayout, created)
	m.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return m, nil
}

const memoryCols = `mnemonic, content, created_at, updated_at, recall_count, useful_count, not_useful_count`

// getMemory loads a memory row (without its vector) by mnemonic.
func (s *store) getMemory(x execer, mnemonic string) (Memory, error) {
	row := x.QueryRow(`SELECT `+memoryCols+` FROM memory WHERE mnemonic = ?`, mnemonic)
	m, err := scanMemory(row)
	if err != nil {
		return m, err
	}
	tags, err := s.tagsFor(x, mnemonic)
	if err != nil {
		return m, err
	}
	m.Tags = tags
	return m, nil
}

// getVector loads the embedding for a memory.
func (s *store) getVector(x execer, mnemonic string) ([]float32, error) {
	var blob []byte
	err := x.QueryRow(`SELECT vector FROM memory WHERE mnemonic = ?`, mnemonic).Scan(&blob)
	if err != nil {
		return nil, err
	}
	return decodeVector(blob), nil
}

func (s *store) tagsFor(x execer, mnemonic string) ([]string, error) {
	rows, err := x.Query(`SELECT tag FROM memory_tag WHERE mnemonic = ? ORDER BY tag ASC`, mnemonic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// exists reports whether a mnemonic is present.
func (s *store) exists(x execer, mnemonic string) (bool, error) {
	var one int
	err := x.QueryRow(`SELECT 1 FROM memory WHERE mnemonic = ?`, mnemonic).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// updateContent rewrites a memory's content and vector, bumping updated_at.
func (s *store) updateContent(x execer, mnemonic, content string, vec []float32) error {
	_, err := x.Exec(`
		UPDATE memory SET content = ?, vector = ?, updated_at = datetime('now') WHERE mnemonic = ?`,
		content, encodeVector(vec), mnemonic,
	)
	return err
}

// renameMemory changes a memory's primary key and rewrites every link row
// that referenced the old mnemonic, atomically with the caller's transaction.
func (s *store) renameMemory(x execer, oldMnemonic, newMnemonic string) error {
	// memory_tag and memory_link reference memory(mnemonic) with no ON UPDATE
	// action, so the key can't change in place while child rows point at it:
	// copy the row under the new key, move the children over, drop the old row.
	if _, err := x.Exec(`
		INSERT INTO memory (mnemonic, content, vector, created_at, updated_at, recall_count, useful_count, not_useful_count)
		SELECT ?, content, vector, created_at, datetime('now'), recall_count, useful_count, not_useful_count
		FROM memory WHERE mnemonic = ?`, newMnemonic, oldMnemonic); err != nil {
		return err
	}
	if _, err := x.Exec(`UPDATE memory_tag SET mnemonic = ? WHERE mnemonic = ?`, newMnemonic, oldMnemonic); err != nil {
		return err
	}
	if err := s.rewriteLinks(x, oldMnemonic, newMnemonic); err != nil {
		return err
	}
	_, err := x.Exec(`DELETE FROM memory WHERE mnemonic = ?`, oldMnemonic)
	return err
}

// deleteMemory removes a memory row; cascades drop its tags and links.
func (s *store) deleteMemory(x execer, mnemonic string) error {
	_, err := x.Exec(`DELETE FROM memory WHERE mnemonic = ?`, mnemonic)
	return err
}

// listMemories returns memories ordered by mnemonic, for a plain listing.
func (s *store) listMemories(x execer, limit, offset int) ([]Memory, error) {
	rows, err := x.Query(`SELECT `+memoryCols+` FROM memory ORDER BY mnemonic ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		tags, err := s.tagsFor(x, m.Mnemonic)
		if err != nil {
			return nil, err
		}
		m.Tags = tags
		out = append(out, m)
	}
	return out, rows.Err()
}

// allMemories returns every memory row, unfiltered and unpaginated. Backs
// the whole-graph dump Store.Graph performs (§4.5: "all memory summaries +
// all links. No filtering.").
func (s *store) allMemories(x execer) ([]Memory, error) {
	rows, err := x.Query(`SELECT ` + memoryCols + ` FROM memory ORDER BY mnemonic ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		tags, err := s.tagsFor(x, m.Mnemonic)
		if err != nil {
			return nil, err
		}
		m.Tags = tags
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Counters ---

func (s *store) bumpRecallCount(x execer, mnemonics []string) error {
	for _, mn := range mnemonics {
		if _, err := x.Exec(`UPDATE memory SET recall_count = recall_count + 1 WHERE mnemonic = ?`, mn); err != nil {
			return err
		}
	}
	return nil
}

func (s *store) rate(x execer, mnemonic string, useful bool) error {
	col := "not_useful_count"
	if useful {
		col = "useful_count"
	}
	_, err := x.Exec(`UPDATE memory SET `+col+` = `+col+` + 1 WHERE mnemonic = ?`, mnemonic)
	return err
}

// setCounters overwrites a memory's bookkeeping counters outright, used by
// Import to restore the values recorded in an exported file's frontmatter.
func (s *store) setCounters(x execer, mnemonic string, recallCount, usefulCount, notUsefulCount int) error {
	_, err := x.Exec(`
		UPDATE memory SET recall_count = ?, useful_count = ?, not_useful_count = ? WHERE mnemonic = ?`,
		recallCount, usefulCount, notUsefulCount, mnemonic,
	)
	return err
}

func (s *store) mergeCounters(x execer, into, from string) error {
	_, err := x.Exec(`
		UPDATE memory SET
			recall_count = recall_count + (SELECT recall_count FROM memory WHERE mnemonic = ?),
			useful_count = useful_count + (SELECT useful_count FROM memory WHERE mnemonic = ?),
			not_useful_count = not_useful_count + (SELECT not_useful_count FROM memory WHERE mnemonic = ?)
		WHERE mnemonic = ?`,
		from, from, from, into,
	)
	return err
}

// --- Tags ---

func (s *store) addTags(x execer, mnemonic string, tags []string) error {
	return s.setTags(x, mnemonic, tags)
}

func (s *store) removeTags(x execer, mnemonic string, tags []string) error {
	for _, tag := range tags {
		if _, err := x.Exec(`DELETE FROM memory_tag WHERE mnemonic = ? AND tag = ?`, mnemonic, tag); err != nil {
			return err
		}
	}
	return nil
}

// replaceTags drops every tag currently on mnemonic and sets tags in their
// place. Used by Update when the caller supplies a new tag set.
func (s *store) replaceTags(x execer, mnemonic string, tags []string) error {
	if _, err := x.Exec(`DELETE FROM memory_tag WHERE mnemonic = ?`, mnemonic); err != nil {
		return err
	}
	return s.setTags(x, mnemonic, tags)
}

// unionTags merges the tags of `from` into `into`, leaving the union on `into`.
func (s *store) unionTags(x execer, into, from string) error {
	tags, err := s.tagsFor(x, from)
	if err != nil {
		return err
	}
	return s.setTags(x, into, tags)
}

type tagCount struct {
	Tag   string
	Count int
}

func (s *store) listTags(x execer) ([]tagCount, error) {
	rows, err := x.Query(`SELECT tag, COUNT(*) c FROM memory_tag GROUP BY tag ORDER BY c DESC, tag ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tagCount
	for rows.Next() {
		var tc tagCount
		if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *store) hasAnyTag(x execer, mnemonic string, tags []string) (bool, error) {
	if len(tags) == 0 {
		return false, nil
	}
	owned, err := s.tagsFor(x, mnemonic)
	if err != nil {
		return false, err
	}
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	for _, t := range owned {
		if set[t] {
			return true, nil
		}
	}
	return false, nil
}

// --- Links ---

func (s *store) insertLink(x execer, source, target string, linkType LinkType) error {
	_, err := x.Exec(`
		INSERT INTO memory_link (source, target, link_type) VALUES (?, ?, ?)
		ON CONFLICT(source, target, link_type) DO NOTHING`,
		source, target, string(linkType),
	)
	return err
}

func (s *store) deleteLink(x execer, source, target string, linkType LinkType) error {
	_, err := x.Exec(`DELETE FROM memory_link WHERE source = ? AND target = ? AND link_type = ?`, source, target, string(linkType))
	return err
}

func (s *store) linksFor(x execer, mnemonic string) (outgoing, incoming []Link, err error) {
	rows, err := x.Query(`SELECT source, target, link_type, created_at FROM memory_link WHERE source = ? ORDER BY target ASC`, mnemonic)
	if err != nil {
		return nil, nil, err
	}
	outgoing, err = scanLinks(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = x.Query(`SELECT source, target, link_type, created_at FROM memory_link WHERE target = ? ORDER BY source ASC`, mnemonic)
	if err != nil {
		return nil, nil, err
	}
	incoming, err = scanLinks(rows)
	if err != nil {
		return nil, nil, err
	}
	return outgoing, incoming, nil
}

// allLinks returns every link row in the store, ordered for determinism.
// Backs the whole-graph dump Store.Graph performs (§4.5: "all memory
// summaries + all links. No filtering.").
func (s *store) allLinks(x execer) ([]Link, error) {
	rows, err := x.Query(`SELECT source, target, link_type, created_at FROM memory_link ORDER BY source ASC, target ASC, link_type ASC`)
	if err != nil {
		return nil, err
	}
	return scanLinks(rows)
}

func scanLinks(rows *sql.Rows) ([]Link, error) {
	defer rows.Close()
	var out []Link
	for rows.Next() {
		var l Link
		var created string
		var linkType string
		if err := rows.Scan(&l.Source, &l.Target, &linkType, &created); err != nil {
			return nil, err
		}
		l.LinkType = LinkType(linkType)
		l.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, l)
	}
	return out, rows.Err()
}

// linkDegree counts every link row touching mnemonic, in either direction.
// It feeds the Scorer's link_boost term; the one-hop link expansion Recall
// uses lives separately in expandViaLinks (linkgraph.go).
func (s *store) linkDegree(x execer, mnemonic string) (int, error) {
	var n int
	err := x.QueryRow(`
		SELECT COUNT(*) FROM memory_link WHERE source = ? OR target = ?`,
		mnemonic, mnemonic,
	).Scan(&n)
	return n, err
}

// rewriteLinks updates every link row referencing `from` to reference `to`,
// dropping any resulting self-loop and de-duplicating on the unique triple.
func (s *store) rewriteLinks(x execer, from, to string) error {
	if from == to {
		return nil
	}
	// UPDATE OR IGNORE silently drops a row that would collide with an
	// existing (to, ..., type) edge instead of erroring; the cleanup pass
	// below removes whatever it left behind.
	if _, err := x.Exec(`UPDATE OR IGNORE memory_link SET source = ? WHERE source = ?`, to, from); err != nil {
		return err
	}
	if _, err := x.Exec(`UPDATE OR IGNORE memory_link SET target = ? WHERE target = ?`, to, from); err != nil {
		return err
	}
	// Drop anything that became a self-loop, and any row still pointing at
	// the old mnemonic (left behind by a UNIQUE collision above — the
	// equivalent edge already exists under the new mnemonic).
	if _, err := x.Exec(`DELETE FROM memory_link WHERE source = target`); err != nil {
		return err
	}
	if _, err := x.Exec(`DELETE FROM memory_link WHERE source = ? OR target = ?`, from, from); err != nil {
		return err
	}
	return nil
}

// --- Vector index / KNN ---

type neighbor struct {
	Mnemonic string
	Distance float64
}

// knn scans every stored vector, computes L2 distance to query, and
// returns the k closest, sorted ascending by distance then mnemonic. This is
// a brute-force linear scan: modernc.org/sqlite is pure Go and cannot load a
// native vector-search extension, and at this store's intended scale
// (single local user, hundreds to low thousands of memories) a linear scan
// is fast enough, exactly the tradeoff the teacher repo makes for the same
// reason.
func (s *store) knn(x execer, query []float32, k int, exclude string) ([]neighbor, error) {
	rows, err := x.Query(`SELECT mnemonic, vector FROM memory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []neighbor
	for rows.Next() {
		var mn string
		var blob []byte
		if err := rows.Scan(&mn, &blob); err != nil {
			return nil, err
		}
		if mn == exclude {
			continue
		}
		vec := decodeVector(blob)
		all = append(all, neighbor{Mnemonic: mn, Distance: l2Distance(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].Mnemonic < all[j].Mnemonic
	})

	if k > 0 && k < len(all) {
		all = all[:k]
	}
	return all, nil
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (s *store) allMnemonics(x execer) ([]string, error) {
	rows, err := x.Query(`SELECT mnemonic FROM memory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var mn string
		if err := rows.Scan(&mn); err != nil {
			return nil, err
		}
		out = append(out, mn)
	}
	return out, rows.Err()
}

// Close shuts down the database connection.
func (s *store) Close() error {
	return s.db.Close()
}
