package trivia

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var errMalformedExport = errors.New("trivia: malformed export file")

// Import reads every *.md file (and the links.yaml sidecar, if present)
// written by Export out of dir and loads them into the store: the inverse
// of Export (§4.5). For a mnemonic that already exists, the newer
// updated_at wins; otherwise the memory is inserted. Links are recreated
// once every memory in the file has landed, skipping any whose endpoints
// don't both exist post-import.
func (st *Store) Import(ctx context.Context, dir string) error {
	const op = "import"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return newError(op, BackendFailure, "", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if err := st.importOne(ctx, filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}

	return st.importLinks(filepath.Join(dir, "links.yaml"))
}

func (st *Store) importOne(ctx context.Context, path string) error {
	const op = "import"

	raw, err := os.ReadFile(path)
	if err != nil {
		return newError(op, BackendFailure, path, err)
	}

	fm, content, err := parseExportedFile(raw)
	if err != nil {
		return newError(op, InvalidInput, path, err)
	}
	if fm.Mnemonic == "" || content == "" {
		return newError(op, InvalidInput, path, nil)
	}

	createdAt, _ := time.Parse(time.RFC3339, fm.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, fm.UpdatedAt)

	st.mu.Lock()
	defer st.mu.Unlock()

	existing, err := st.db.getMemory(st.db.db, fm.Mnemonic)
	if err == nil {
		if !updatedAt.After(existing.UpdatedAt) {
			return nil
		}
		vec, err := st.cfg.Embedder.Embed(ctx, fm.Mnemonic+embedMnemonicSeparator+content, taskTypeDocument)
		if err != nil {
			return newError(op, ModelFailure, fm.Mnemonic, err)
		}
		tx, err := st.db.db.Begin()
		if err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
		defer tx.Rollback()
		if err := st.db.updateContent(tx, fm.Mnemonic, content, vec); err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
		if err := st.db.replaceTags(tx, fm.Mnemonic, normalizeTags(fm.Tags)); err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
		if err := st.db.setCounters(tx, fm.Mnemonic, fm.RecallCount, fm.UsefulCount, fm.NotUsefulCount); err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
		// updateContent stamps updated_at with now() — pin it back to the
		// imported value so timestamps are preserved (§8), not just content.
		if !updatedAt.IsZero() {
			if _, err := tx.Exec(`UPDATE memory SET updated_at = ? WHERE mnemonic = ?`, updatedAt.UTC().Format(timeLayout), fm.Mnemonic); err != nil {
				return newError(op, BackendFailure, fm.Mnemonic, err)
			}
		}
		return tx.Commit()
	}
	if err != sqlNoRows {
		return newError(op, BackendFailure, fm.Mnemonic, err)
	}

	vec, err := st.cfg.Embedder.Embed(ctx, fm.Mnemonic+embedMnemonicSeparator+content, taskTypeDocument)
	if err != nil {
		return newError(op, ModelFailure, fm.Mnemonic, err)
	}
	tx, err := st.db.db.Begin()
	if err != nil {
		return newError(op, BackendFailure, fm.Mnemonic, err)
	}
	defer tx.Rollback()
	if err := st.db.insertMemory(tx, fm.Mnemonic, content, vec, normalizeTags(fm.Tags)); err != nil {
		return newError(op, BackendFailure, fm.Mnemonic, err)
	}
	if err := st.db.setCounters(tx, fm.Mnemonic, fm.RecallCount, fm.UsefulCount, fm.NotUsefulCount); err != nil {
		return newError(op, BackendFailure, fm.Mnemonic, err)
	}
	// insertMemory stamps created_at/updated_at with now() — restore the
	// exported timestamps so export-then-import preserves them (§8).
	if !createdAt.IsZero() {
		if _, err := tx.Exec(`UPDATE memory SET created_at = ? WHERE mnemonic = ?`, createdAt.UTC().Format(timeLayout), fm.Mnemonic); err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
	}
	if !updatedAt.IsZero() {
		if _, err := tx.Exec(`UPDATE memory SET updated_at = ? WHERE mnemonic = ?`, updatedAt.UTC().Format(timeLayout), fm.Mnemonic); err != nil {
			return newError(op, BackendFailure, fm.Mnemonic, err)
		}
	}
	return tx.Commit()
}

func (st *Store) importLinks(path string) error {
	const op = "import"

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newError(op, BackendFailure, "", err)
	}

	var links []linkRecord
	if err := yaml.Unmarshal(raw, &links); err != nil {
		return newError(op, InvalidInput, path, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for _, l := range links {
		sourceExists, err := st.db.exists(st.db.db, l.Source)
		if err != nil {
			return newError(op, BackendFailure, l.Source, err)
		}
		targetExists, err := st.db.exists(st.db.db, l.Target)
		if err != nil {
			return newError(op, BackendFailure, l.Target, err)
		}
		if !sourceExists || !targetExists || l.Source == l.Target {
			continue
		}
		if err := st.db.insertLink(st.db.db, l.Source, l.Target, LinkType(l.LinkType)); err != nil {
			return newError(op, BackendFailure, l.Source, err)
		}
	}
	return nil
}

// parseExportedFile splits an Export-produced file back into its
// frontmatter and markdown body, the inverse of the `"---\n"+yaml+"---\n"+content`
// layout Export writes (§6.3).
func parseExportedFile(raw []byte) (frontMatter, string, error) {
	const delim = "---\n"
	s := string(raw)
	if !strings.HasPrefix(s, delim) {
		return frontMatter{}, "", errMalformedExport
	}
	rest := s[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return frontMatter{}, "", errMalformedExport
	}
	yamlBlock := rest[:idx+1]
	body := rest[idx+1+len(delim):]

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return frontMatter{}, "", err
	}
	return fm, body, nil
}
