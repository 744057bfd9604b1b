package trivia

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// embedMnemonicSeparator joins a mnemonic to its content before embedding,
// so that memorize/update's stored vector reflects both the handle and the
// body. Recall never uses this — a query is embedded as-is.
const embedMnemonicSeparator = "\n"

// mergeSeparator joins a merge discard's content onto the keep's, unless
// the keep's content already contains the discard's (which makes repeated
// auto-merges of identical content idempotent).
const mergeSeparator = "\n\n---\n\n"

// Store is the public facade over the memory store: embedding, persistence,
// scoring, and the memorize/recall/merge/link lifecycle all meet here.
type Store struct {
	db              *store
	cfg             Config
	mu              sync.Mutex // serializes memorize/merge/automerge against each other, per §5
	cancelAutomerge context.CancelFunc
}

// Open creates a Store, running migrations against cfg.DBPath and starting
// the background automerge worker if cfg.AutomergeInterval is set.
func Open(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()

	db, err := newStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	st := &Store{db: db, cfg: cfg}
	if cfg.AutomergeInterval > 0 {
		st.startAutomergeWorker(cfg.AutomergeInterval)
	}
	log.Printf("[trivia] opened store (db=%s, automerge_threshold=%.3f)", cfg.DBPath, cfg.AutomergeThreshold)
	return st, nil
}

// Close stops the background automerge worker (if running) and closes the
// database connection.
func (st *Store) Close() error {
	if st.cancelAutomerge != nil {
		st.cancelAutomerge()
	}
	return st.db.Close()
}

func validateMnemonic(op, mnemonic string) error {
	if strings.TrimSpace(mnemonic) == "" {
		return newError(op, InvalidInput, mnemonic, nil)
	}
	return nil
}

// Memorize stores content under mnemonic, running the
// EMBEDDING → AUTOMERGE_CHECK → {INSERT, MERGE_INTO_EXISTING} → AUTOLINK
// state machine: the new content is embedded, checked against the nearest
// existing memory for an auto-merge, and — on a fresh insert — linked to
// those of its nearest neighbors whose distance is within the auto-link
// threshold.
func (st *Store) Memorize(ctx context.Context, mnemonic, content string, tags []string) (Memory, error) {
	const op = "memorize"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return Memory{}, err
	}
	if strings.TrimSpace(content) == "" {
		return Memory{}, newError(op, InvalidInput, mnemonic, nil)
	}
	tags = unionTagSlices(tags, st.cfg.MemorizeTags)

	st.mu.Lock()
	defer st.mu.Unlock()

	// Re-memorizing an existing mnemonic is absorbed into that memory
	// exactly like an auto-merge hit, rather than rejected — this is what
	// makes repeated memorize(m, c, t) calls with identical args a no-op
	// (§8 idempotence) instead of an AlreadyExists error. AlreadyExists is
	// reserved for Update's explicit rename collision (§7).
	exists, err := st.db.exists(st.db.db, mnemonic)
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	if exists {
		if err := st.mergeContentInto(ctx, mnemonic, content, tags); err != nil {
			return Memory{}, err
		}
		return st.Get(mnemonic)
	}

	vec, err := st.cfg.Embedder.Embed(ctx, mnemonic+embedMnemonicSeparator+content, taskTypeDocument)
	if err != nil {
		return Memory{}, newError(op, ModelFailure, mnemonic, err)
	}

	// AUTOMERGE_CHECK: is there an existing memory close enough that this
	// should be folded into it instead of inserted as a new row?
	neighbors, err := st.db.knn(st.db.db, vec, 1, "")
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	if len(neighbors) > 0 && neighbors[0].Distance <= st.cfg.AutomergeThreshold {
		target := neighbors[0].Mnemonic
		if err := st.mergeContentInto(ctx, target, content, tags); err != nil {
			return Memory{}, err
		}
		return st.Get(target)
	}

	// INSERT
	tx, err := st.db.db.Begin()
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	defer tx.Rollback()

	if err := st.db.insertMemory(tx, mnemonic, content, vec, tags); err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}

	// AUTOLINK: link to the K nearest neighbors within threshold.
	linkNeighbors, err := st.db.knn(tx, vec, st.cfg.AutoLinkK, mnemonic)
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	for _, n := range linkNeighbors {
		if n.Distance > st.cfg.AutoLinkThreshold {
			continue
		}
		if err := st.db.insertLink(tx, mnemonic, n.Mnemonic, LinkRelated); err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}

	return st.Get(mnemonic)
}

// mergeContentInto folds content and tags into an existing memory, the same
// append-and-union-tags logic Merge uses for two already-stored memories.
func (st *Store) mergeContentInto(ctx context.Context, target, content string, tags []string) error {
	tx, err := st.db.db.Begin()
	if err != nil {
		return newError("memorize", BackendFailure, target, err)
	}
	defer tx.Rollback()

	existing, err := st.db.getMemory(tx, target)
	if err != nil {
		return newError("memorize", BackendFailure, target, err)
	}

	merged := existing.Content
	if !strings.Contains(merged, content) {
		merged = merged + mergeSeparator + content
	}

	vec, err := st.cfg.Embedder.Embed(ctx, target+embedMnemonicSeparator+merged, taskTypeDocument)
	if err != nil {
		return newError("memorize", ModelFailure, target, err)
	}

	if err := st.db.updateContent(tx, target, merged, vec); err != nil {
		return newError("memorize", BackendFailure, target, err)
	}
	if err := st.db.setTags(tx, target, tags); err != nil {
		return newError("memorize", BackendFailure, target, err)
	}
	return tx.Commit()
}

// Get loads a single memory by mnemonic.
func (st *Store) Get(mnemonic string) (Memory, error) {
	const op = "get"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return Memory{}, err
	}
	m, err := st.db.getMemory(st.db.db, mnemonic)
	if err == sqlNoRows {
		return Memory{}, newError(op, NotFound, mnemonic, nil)
	}
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	return m, nil
}

// List returns a plain, unscored page of memories ordered by mnemonic.
func (st *Store) List(limit, offset int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	ms, err := st.db.listMemories(st.db.db, limit, offset)
	if err != nil {
		return nil, newError("list", BackendFailure, "", err)
	}
	return ms, nil
}

// UpdateOptions configures an Update call. Every field is optional: a zero
// value leaves the corresponding attribute unchanged, except Tags, where
// nil means "leave as is" and a non-nil (possibly empty) slice replaces the
// memory's tag set entirely — pass []string{} to clear all tags.
type UpdateOptions struct {
	NewMnemonic string
	Content     string
	Tags        []string
}

// Update rewrites a memory's content, tag set, and/or mnemonic. Renaming
// atomically rewrites every link referencing the old mnemonic in the same
// transaction (§3 Lifecycles). Updated_at is bumped on a rename, on a
// content change, and whenever a tag set is supplied.
func (st *Store) Update(ctx context.Context, mnemonic string, opts UpdateOptions) (Memory, error) {
	const op = "update"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return Memory{}, err
	}

	tx, err := st.db.db.Begin()
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	defer tx.Rollback()

	existing, err := st.db.getMemory(tx, mnemonic)
	if err == sqlNoRows {
		return Memory{}, newError(op, NotFound, mnemonic, nil)
	}
	if err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}

	target := mnemonic
	if opts.NewMnemonic != "" && opts.NewMnemonic != mnemonic {
		already, err := st.db.exists(tx, opts.NewMnemonic)
		if err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
		if already {
			return Memory{}, newError(op, AlreadyExists, opts.NewMnemonic, nil)
		}
		if err := st.db.renameMemory(tx, mnemonic, opts.NewMnemonic); err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
		target = opts.NewMnemonic
	}

	touched := target != mnemonic
	contentChanged := false
	if opts.Content != "" && opts.Content != existing.Content {
		vec, err := st.cfg.Embedder.Embed(ctx, target+embedMnemonicSeparator+opts.Content, taskTypeDocument)
		if err != nil {
			return Memory{}, newError(op, ModelFailure, mnemonic, err)
		}
		if err := st.db.updateContent(tx, target, opts.Content, vec); err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
		touched = true
		contentChanged = true
	}

	if opts.Tags != nil {
		if err := st.db.replaceTags(tx, target, normalizeTags(opts.Tags)); err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
		touched = true
	}

	if touched && !contentChanged {
		// Rename or tag-only changes don't go through updateContent, which
		// would otherwise be the only path that bumps updated_at.
		if _, err := tx.Exec(`UPDATE memory SET updated_at = datetime('now') WHERE mnemonic = ?`, target); err != nil {
			return Memory{}, newError(op, BackendFailure, mnemonic, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, newError(op, BackendFailure, mnemonic, err)
	}
	return st.Get(target)
}

// Delete removes a memory. Deleting a mnemonic that doesn't exist is
// success, not an error (idempotent per §7).
func (st *Store) Delete(mnemonic string) error {
	const op = "delete"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return err
	}
	if err := st.db.deleteMemory(st.db.db, mnemonic); err != nil {
		return newError(op, BackendFailure, mnemonic, err)
	}
	return nil
}

// Rate records a useful/not-useful vote against a memory's rating_boost.
func (st *Store) Rate(mnemonic string, useful bool) error {
	const op = "rate"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return err
	}
	exists, err := st.db.exists(st.db.db, mnemonic)
	if err != nil {
		return newError(op, BackendFailure, mnemonic, err)
	}
	if !exists {
		return newError(op, NotFound, mnemonic, nil)
	}
	if err := st.db.rate(st.db.db, mnemonic, useful); err != nil {
		return newError(op, BackendFailure, mnemonic, err)
	}
	return nil
}

// Link creates a typed edge between two memories. Re-linking an identical
// (source, target, linkType) triple is success, not an error.
func (st *Store) Link(source, target string, linkType LinkType) error {
	const op = "link"
	if err := validateMnemonic(op, source); err != nil {
		return err
	}
	if err := validateMnemonic(op, target); err != nil {
		return err
	}
	if source == target {
		return newError(op, InvalidInput, source, nil)
	}
	if !ValidLinkType(linkType) {
		return newError(op, InvalidInput, source, nil)
	}
	for _, mn := range []string{source, target} {
		exists, err := st.db.exists(st.db.db, mn)
		if err != nil {
			return newError(op, BackendFailure, mn, err)
		}
		if !exists {
			return newError(op, NotFound, mn, nil)
		}
	}
	if err := st.db.insertLink(st.db.db, source, target, linkType); err != nil {
		return newError(op, BackendFailure, source, err)
	}
	return nil
}

// Unlink removes an edge. Unlinking an edge that doesn't exist is success,
// not an error (idempotent per §7).
func (st *Store) Unlink(source, target string, linkType LinkType) error {
	const op = "unlink"
	if err := validateMnemonic(op, source); err != nil {
		return err
	}
	if err := st.db.deleteLink(st.db.db, source, target, linkType); err != nil {
		return newError(op, BackendFailure, source, err)
	}
	return nil
}

// Neighborhood returns the one-hop link neighborhood of a single memory.
func (st *Store) Neighborhood(mnemonic string) (Neighborhood, error) {
	const op = "neighborhood"
	if err := validateMnemonic(op, mnemonic); err != nil {
		return Neighborhood{}, err
	}
	exists, err := st.db.exists(st.db.db, mnemonic)
	if err != nil {
		return Neighborhood{}, newError(op, BackendFailure, mnemonic, err)
	}
	if !exists {
		return Neighborhood{}, newError(op, NotFound, mnemonic, nil)
	}
	outgoing, incoming, err := st.db.linksFor(st.db.db, mnemonic)
	if err != nil {
		return Neighborhood{}, newError(op, BackendFailure, mnemonic, err)
	}
	return Neighborhood{Mnemonic: mnemonic, Outgoing: outgoing, Incoming: incoming}, nil
}

// Graph returns every memory and every link in the store, unfiltered —
// the whole-graph dump named by §4.5's `graph() -> (nodes, edges)`.
func (st *Store) Graph() ([]Memory, []Link, error) {
	const op = "graph"
	nodes, err := st.db.allMemories(st.db.db)
	if err != nil {
		return nil, nil, newError(op, BackendFailure, "", err)
	}
	edges, err := st.db.allLinks(st.db.db)
	if err != nil {
		return nil, nil, newError(op, BackendFailure, "", err)
	}
	return nodes, edges, nil
}

// ListTags returns every tag in use, most-used first.
func (st *Store) ListTags() ([]tagCount, error) {
	tcs, err := st.db.listTags(st.db.db)
	if err != nil {
		return nil, newError("list_tags", BackendFailure, "", err)
	}
	return tcs, nil
}

// Merge folds discard's content and tags into keep, rewrites links to point
// at keep, sums counters, and deletes discard. Merging a memory into itself
// is rejected as invalid input.
func (st *Store) Merge(ctx context.Context, keep, discard string) (Memory, error) {
	const op = "merge"
	if err := validateMnemonic(op, keep); err != nil {
		return Memory{}, err
	}
	if err := validateMnemonic(op, discard); err != nil {
		return Memory{}, err
	}
	if keep == discard {
		return Memory{}, newError(op, InvalidInput, keep, nil)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return st.mergeLocked(ctx, keep, discard)
}

// mergeLocked is Merge's body, factored out so Automerge — which already
// holds st.mu while it applies its planned pairs — can fold a pair without
// recursively locking the same mutex.
func (st *Store) mergeLocked(ctx context.Context, keep, discard string) (Memory, error) {
	const op = "merge"

	tx, err := st.db.db.Begin()
	if err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	defer tx.Rollback()

	keepMem, err := st.db.getMemory(tx, keep)
	if err == sqlNoRows {
		return Memory{}, newError(op, NotFound, keep, nil)
	}
	if err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	discardMem, err := st.db.getMemory(tx, discard)
	if err == sqlNoRows {
		return Memory{}, newError(op, NotFound, discard, nil)
	}
	if err != nil {
		return Memory{}, newError(op, BackendFailure, discard, err)
	}

	merged := keepMem.Content
	if !strings.Contains(merged, discardMem.Content) {
		merged = merged + mergeSeparator + discardMem.Content
	}

	if err := st.db.unionTags(tx, keep, discard); err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	if err := st.db.mergeCounters(tx, keep, discard); err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	if err := st.db.rewriteLinks(tx, discard, keep); err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	if err := st.db.deleteMemory(tx, discard); err != nil {
		return Memory{}, newError(op, BackendFailure, discard, err)
	}

	vec, err := st.cfg.Embedder.Embed(ctx, keep+embedMnemonicSeparator+merged, taskTypeDocument)
	if err != nil {
		return Memory{}, newError(op, ModelFailure, keep, err)
	}
	if err := st.db.updateContent(tx, keep, merged, vec); err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}

	if err := tx.Commit(); err != nil {
		return Memory{}, newError(op, BackendFailure, keep, err)
	}
	return st.Get(keep)
}

// Automerge pairs each memory with its nearest neighbor from the vector
// index and merges the pair when that distance is within threshold. Each
// memory takes part in at most one pair per call, so a cluster of three or
// more near-duplicates may need several calls to collapse fully. The pair's
// lower-recall_count memory is folded
// into the higher-recall_count one; ties break on earlier created_at, then
// on mnemonic ascending. With dryRun set, the planned pairs are returned
// without mutating the store.
func (st *Store) Automerge(threshold float64, dryRun bool) ([]MergePlan, error) {
	const op = "automerge"

	st.mu.Lock()
	defer st.mu.Unlock()

	mnemonics, err := st.db.allMnemonics(st.db.db)
	if err != nil {
		return nil, newError(op, BackendFailure, "", err)
	}

	merged := make(map[string]bool, len(mnemonics))
	var plans []MergePlan

	for _, mn := range mnemonics {
		if merged[mn] {
			continue
		}
		vec, err := st.db.getVector(st.db.db, mn)
		if err != nil {
			continue
		}
		neighbors, err := st.db.knn(st.db.db, vec, 1, mn)
		if err != nil || len(neighbors) == 0 {
			continue
		}
		nearest := neighbors[0]
		if nearest.Distance > threshold || merged[nearest.Mnemonic] {
			continue
		}

		keep, discard, err := st.resolveAutomergeTieBreak(mn, nearest.Mnemonic)
		if err != nil {
			continue
		}
		plans = append(plans, MergePlan{Keep: keep, Discard: discard, Distance: nearest.Distance})
		merged[mn] = true
		merged[nearest.Mnemonic] = true
	}

	if dryRun {
		return plans, nil
	}

	for _, p := range plans {
		if _, err := st.mergeLocked(context.Background(), p.Keep, p.Discard); err != nil {
			log.Printf("[trivia] automerge: merging %q into %q failed: %v", p.Discard, p.Keep, err)
		}
	}
	return plans, nil
}

// resolveAutomergeTieBreak decides which of a and b survives a merge: the
// higher recall_count wins; ties go to the earlier created_at; further ties
// go to the lexicographically smaller mnemonic.
func (st *Store) resolveAutomergeTieBreak(a, b string) (keep, discard string, err error) {
	ma, err := st.db.getMemory(st.db.db, a)
	if err != nil {
		return "", "", err
	}
	mb, err := st.db.getMemory(st.db.db, b)
	if err != nil {
		return "", "", err
	}

	if ma.RecallCount != mb.RecallCount {
		if ma.RecallCount > mb.RecallCount {
			return ma.Mnemonic, mb.Mnemonic, nil
		}
		return mb.Mnemonic, ma.Mnemonic, nil
	}
	if !ma.CreatedAt.Equal(mb.CreatedAt) {
		if ma.CreatedAt.Before(mb.CreatedAt) {
			return ma.Mnemonic, mb.Mnemonic, nil
		}
		return mb.Mnemonic, ma.Mnemonic, nil
	}
	if ma.Mnemonic < mb.Mnemonic {
		return ma.Mnemonic, mb.Mnemonic, nil
	}
	return mb.Mnemonic, ma.Mnemonic, nil
}

// Recall embeds query and returns the top-scoring memories, ranked by the
// composite formula, ties broken by descending similarity then ascending
// mnemonic. An empty store returns an empty slice, never an error.
func (st *Store) Recall(ctx context.Context, opts RecallOptions) ([]RecallResult, error) {
	const op = "recall"
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	boostTags := opts.BoostTags
	if len(boostTags) == 0 {
		boostTags = st.cfg.RecallBoostTags
	}
	boostTags = normalizeTags(boostTags)
	tagFilter := normalizeTags(opts.TagFilter)

	mnemonics, err := st.db.allMnemonics(st.db.db)
	if err != nil {
		return nil, newError(op, BackendFailure, "", err)
	}
	if len(mnemonics) == 0 {
		return []RecallResult{}, nil
	}

	queryVec, err := st.cfg.Embedder.Embed(ctx, opts.Query, taskTypeQuery)
	if err != nil {
		return nil, newError(op, ModelFailure, "", err)
	}

	oversample := limit * recallOversampleFactor
	if oversample < recallOversampleFloor {
		oversample = recallOversampleFloor
	}
	neighbors, err := st.db.knn(st.db.db, queryVec, oversample, "")
	if err != nil {
		return nil, newError(op, BackendFailure, "", err)
	}

	// Expand one hop along the link graph from the oversampled candidates:
	// a memory explicitly linked to a strong match can be relevant even if
	// its own embedding distance from the query is mediocre.
	seeds := make([]string, len(neighbors))
	for i, n := range neighbors {
		seeds[i] = n.Mnemonic
	}
	if expanded, err := st.db.expandViaLinks(st.db.db, seeds); err == nil {
		for _, mn := range expanded {
			vec, err := st.db.getVector(st.db.db, mn)
			if err != nil {
				continue
			}
			neighbors = append(neighbors, neighbor{Mnemonic: mn, Distance: l2Distance(queryVec, vec)})
		}
	}

	now := time.Now()
	var results []RecallResult
	for _, n := range neighbors {
		mem, err := st.db.getMemory(st.db.db, n.Mnemonic)
		if err != nil {
			continue
		}

		if len(tagFilter) > 0 {
			match, err := st.db.hasAnyTag(st.db.db, n.Mnemonic, tagFilter)
			if err != nil || !match {
				continue
			}
		}

		degree, err := st.db.linkDegree(st.db.db, n.Mnemonic)
		if err != nil {
			degree = 0
		}
		hasBoost, err := st.db.hasAnyTag(st.db.db, n.Mnemonic, boostTags)
		if err != nil {
			hasBoost = false
		}

		score, sim := compositeScore(
			n.Distance,
			daysSince(mem.UpdatedAt, now),
			mem.RecallCount,
			degree,
			mem.UsefulCount,
			mem.NotUsefulCount,
			hasBoost,
		)
		results = append(results, RecallResult{Memory: mem, Score: score, Similarity: sim})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Memory.Mnemonic < results[j].Memory.Mnemonic
	})

	if len(results) > limit {
		results = results[:limit]
	}

	mns := make([]string, len(results))
	for i, r := range results {
		mns[i] = r.Memory.Mnemonic
	}
	if err := st.db.bumpRecallCount(st.db.db, mns); err != nil {
		log.Printf("[trivia] recall: bump recall_count failed: %v", err)
	}

	return results, nil
}
