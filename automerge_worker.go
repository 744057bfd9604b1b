package trivia

import (
	"context"
	"log"
	"time"
)

// startAutomergeWorker runs a background goroutine that periodically scans
// the whole store for near-duplicate memories and folds them together.
// This is additive housekeeping alongside the synchronous auto-merge
// pre-check that memorize always performs inline (§4.5's state machine);
// it catches pairs that drifted close together after the fact — for
// example two memories that were distinct when created but were each
// updated toward the same content later.
func (st *Store) startAutomergeWorker(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	st.cancelAutomerge = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				plans, err := st.Automerge(st.cfg.AutomergeThreshold, false)
				if err != nil {
					log.Printf("[trivia] background automerge error: %v", err)
				} else if len(plans) > 0 {
					log.Printf("[trivia] background automerge: %d pair(s) merged", len(plans))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
