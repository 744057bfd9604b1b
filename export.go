package trivia

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// frontMatter is the YAML block written at the top of each exported memory
// file, per §6.3's bit-exact export contract.
type frontMatter struct {
	Mnemonic       string   `yaml:"mnemonic"`
	Tags           []string `yaml:"tags"`
	CreatedAt      string   `yaml:"created_at"`
	UpdatedAt      string   `yaml:"updated_at"`
	RecallCount    int      `yaml:"recall_count"`
	UsefulCount    int      `yaml:"useful_count"`
	NotUsefulCount int      `yaml:"not_useful_count"`
}

// linkRecord is one row of the links.yaml sidecar.
type linkRecord struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	LinkType string `yaml:"link_type"`
}

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns a mnemonic into a filesystem-safe filename stem: lowercase,
// runs of non [a-z0-9] collapsed to a single '-', leading/trailing '-'
// trimmed, per §6.3.
func slugify(mnemonic string) string {
	s := slugNonAlnum.ReplaceAllString(strings.ToLower(mnemonic), "-")
	return strings.Trim(s, "-")
}

// Export writes one markdown file per matching memory to dir, plus a
// links.yaml sidecar describing every link whose endpoints are both in the
// exported set. tagFilter, when non-empty, restricts export to memories
// carrying at least one of the given tags. An empty filter falls back to
// the `export.tags` config default (Config.ExportTags); if that's also
// empty, everything is exported.
func (st *Store) Export(dir string, tagFilter []string) error {
	const op = "export"
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newError(op, BackendFailure, "", err)
	}

	if len(tagFilter) == 0 {
		tagFilter = st.cfg.ExportTags
	}
	tagFilter = normalizeTags(tagFilter)

	mnemonics, err := st.db.allMnemonics(st.db.db)
	if err != nil {
		return newError(op, BackendFailure, "", err)
	}

	exported := make(map[string]bool, len(mnemonics))
	used := make(map[string]int)

	for _, mn := range mnemonics {
		mem, err := st.db.getMemory(st.db.db, mn)
		if err != nil {
			return newError(op, BackendFailure, mn, err)
		}
		if len(tagFilter) > 0 {
			match, err := st.db.hasAnyTag(st.db.db, mn, tagFilter)
			if err != nil {
				return newError(op, BackendFailure, mn, err)
			}
			if !match {
				continue
			}
		}

		fm := frontMatter{
			Mnemonic:       mem.Mnemonic,
			Tags:           mem.Tags,
			CreatedAt:      mem.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:      mem.UpdatedAt.UTC().Format(time.RFC3339),
			RecallCount:    mem.RecallCount,
			UsefulCount:    mem.UsefulCount,
			NotUsefulCount: mem.NotUsefulCount,
		}
		fmBytes, err := yaml.Marshal(fm)
		if err != nil {
			return newError(op, BackendFailure, mn, err)
		}

		slug := slugify(mem.Mnemonic)
		if slug == "" {
			slug = "memory"
		}
		name := slug
		if n := used[slug]; n > 0 {
			name = slug + "-" + strconv.Itoa(n)
		}
		used[slug]++

		body := "---\n" + string(fmBytes) + "---\n" + mem.Content
		if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(body), 0o644); err != nil {
			return newError(op, BackendFailure, mn, err)
		}
		exported[mn] = true
	}

	var links []linkRecord
	for mn := range exported {
		outgoing, _, err := st.db.linksFor(st.db.db, mn)
		if err != nil {
			return newError(op, BackendFailure, mn, err)
		}
		for _, l := range outgoing {
			if exported[l.Target] {
				links = append(links, linkRecord{Source: l.Source, Target: l.Target, LinkType: string(l.LinkType)})
			}
		}
	}

	linksBytes, err := yaml.Marshal(links)
	if err != nil {
		return newError(op, BackendFailure, "", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "links.yaml"), linksBytes, 0o644); err != nil {
		return newError(op, BackendFailure, "", err)
	}
	return nil
}
