package trivia

// expandViaLinks performs one-hop graph expansion from a set of seed
// mnemonics, returning every mnemonic reachable via an outgoing or incoming
// memory_link that isn't already a seed. This lets Recall surface memories
// that are explicitly linked to a strong similarity match even when their
// own embedding distance from the query is mediocre — the same one-hop
// expansion idea as the teacher's waypoint graph, re-keyed onto this
// store's explicit typed link table instead of implicit shared entities.
func (s *store) expandViaLinks(x execer, seeds []string) ([]string, error) {
	seen := make(map[string]bool, len(seeds))
	for _, mn := range seeds {
		seen[mn] = true
	}

	var expanded []string
	for _, mn := range seeds {
		outgoing, incoming, err := s.linksFor(x, mn)
		if err != nil {
			return nil, err
		}
		for _, l := range outgoing {
			if !seen[l.Target] {
				seen[l.Target] = true
				expanded = append(expanded, l.Target)
			}
		}
		for _, l := range incoming {
			if !seen[l.Source] {
				seen[l.Source] = true
				expanded = append(expanded, l.Source)
			}
		}
	}
	return expanded, nil
}
