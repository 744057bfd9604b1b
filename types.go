package trivia

import (
	"sort"
	"strings"
	"time"
)

// EmbeddingDimension is the fixed vector width every embedder must return.
const EmbeddingDimension = 384

// LinkType names the relationship a Link records between two memories.
type LinkType string

const (
	LinkRelated     LinkType = "related"
	LinkSupersedes  LinkType = "supersedes"
	LinkDerivedFrom LinkType = "derived_from"
)

// ValidLinkType reports whether lt is one of the recognized link types.
func ValidLinkType(lt LinkType) bool {
	switch lt {
	case LinkRelated, LinkSupersedes, LinkDerivedFrom:
		return true
	default:
		return false
	}
}

// Memory is a single stored mnemonic/content pair plus its bookkeeping
// counters. Mnemonic is the caller-facing identity — there is no separate
// surrogate id.
type Memory struct {
	Mnemonic       string
	Content        string
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RecallCount    int
	UsefulCount    int
	NotUsefulCount int
}

// Link records a directed, typed relationship between two memories.
type Link struct {
	Source    string
	Target    string
	LinkType  LinkType
	CreatedAt time.Time
}

// RecallResult pairs a Memory with the composite score that ranked it.
type RecallResult struct {
	Memory     Memory
	Score      float64
	Similarity float64
}

// RecallOptions configures a Recall query.
type RecallOptions struct {
	Query     string
	Limit     int
	TagFilter []string // if set, only memories carrying at least one of these tags are considered
	BoostTags []string // if a candidate carries any of these tags, tag_boost applies
}

// MergePlan describes one planned or executed automerge pairing.
type MergePlan struct {
	Keep     string
	Discard  string
	Distance float64
}

// Neighborhood is the one-hop link neighborhood of a single memory, returned
// by Store.Neighborhood. Distinct from Store.Graph, which is the unfiltered
// whole-store dump §4.5's `graph()` operation names.
type Neighborhood struct {
	Mnemonic string
	Outgoing []Link
	Incoming []Link
}

const (
	defaultAutomergeThreshold = 0.25
	defaultAutoLinkK          = 5
	defaultAutoLinkThreshold  = 0.6
)

// Config holds Store construction options, defaulted the way the teacher
// repo's Config.ApplyDefaults does: zero values are filled in, explicit
// values are never overridden.
type Config struct {
	// DBPath is the SQLite file backing the store. Required.
	DBPath string

	// Embedder supplies the EmbeddingProvider used for memorize/update/
	// recall. Defaults to a StubEmbedder when nil — deterministic, makes
	// no network calls, suitable for tests and for callers who haven't
	// configured a real provider yet.
	Embedder EmbeddingProvider

	// AutomergeThreshold is the L2 distance below which memorize's
	// auto-merge pre-check folds new content into an existing memory
	// instead of inserting a new row. Default 0.25.
	AutomergeThreshold float64

	// AutoLinkK is how many nearest neighbors memorize considers for
	// automatic link creation after a successful insert. Default 5.
	AutoLinkK int

	// AutoLinkThreshold is the L2 distance below which a neighbor found
	// during auto-link gets an automatic LinkRelated edge. Default 0.6.
	AutoLinkThreshold float64

	// MemorizeTags are unioned into the tag set of every call to Memorize,
	// per the `memorize.tags` config option (§6.4).
	MemorizeTags []string

	// RecallBoostTags marks tags that contribute tag_boost to recall scoring
	// when a call to Recall doesn't supply its own RecallOptions.BoostTags,
	// per the `recall.tags` config option (§6.4).
	RecallBoostTags []string

	// ExportTags, when set, is the default tag filter Export applies when
	// the caller doesn't supply its own, per the `export.tags` config
	// option (§6.4).
	ExportTags []string

	// AutomergeInterval, when nonzero, starts a background goroutine that
	// runs Automerge on this interval. Zero (the default) disables it.
	AutomergeInterval time.Duration
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func (cfg *Config) ApplyDefaults() {
	if cfg.Embedder == nil {
		cfg.Embedder = NewStubEmbedder()
	}
	if cfg.AutomergeThreshold <= 0 {
		cfg.AutomergeThreshold = defaultAutomergeThreshold
	}
	if cfg.AutoLinkK <= 0 {
		cfg.AutoLinkK = defaultAutoLinkK
	}
	if cfg.AutoLinkThreshold <= 0 {
		cfg.AutoLinkThreshold = defaultAutoLinkThreshold
	}
}

// recallOversampleFactor and recallOversampleFloor together give the
// oversample size Recall requests from the vector index before filtering
// and scoring (§4.5: `k = max(limit*4, 20)`).
const (
	recallOversampleFactor = 4
	recallOversampleFloor  = 20
)

// normalizeTags trims, lowercases, drops empties, and dedupes a tag slice,
// per §3's Tag invariants. The result is sorted for deterministic ordering.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// unionTagSlices normalizes and merges two tag slices, deduping the result.
func unionTagSlices(a, b []string) []string {
	return normalizeTags(append(append([]string{}, a...), b...))
}
