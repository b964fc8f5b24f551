package artifact

import (
	"context"
	"os"
	"path/filepath"

	"kptv-restream/work/logger"
	"kptv-restream/work/metrics"
	"kptv-restream/work/types"
)

// SweepResult summarizes one eviction pass.
type SweepResult struct {
	Evicted int // tracked Ready artifacts removed
	Orphans int // untracked files or directories removed
	Errors  int // deletions that failed and will be retried
}

// Sweep evicts Ready artifacts older than their variant's expiry and removes
// untracked leftovers under the scratch directory that are older than the
// expiry too. Failed deletions are logged and retried on the next sweep.
// Expired failures are reset to Absent.
func (s *Store) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.opts.Now()
	live := make(map[string]bool)

	s.entries.Range(func(key types.ArtifactKey, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()

		switch e.state.Status {
		case types.ArtifactReady:
			if now.Sub(e.state.CompletedAt) <= s.opts.Expiry(key.Variant) {
				live[e.state.Dir] = true
				break
			}
			dir := e.state.Dir
			if err := s.discardLocked(key, e); err != nil {
				res.Errors++
				live[dir] = true
				logger.Warn("{artifact/sweep - Sweep} Evicting %s failed: %v", key, err)
				break
			}
			res.Evicted++
			metrics.ArtifactEvictions.WithLabelValues(key.Variant).Inc()
			logger.Info("{artifact/sweep - Sweep} Evicted %s", key)

		case types.ArtifactProducing:
			live[e.state.Dir] = true

		case types.ArtifactFailed:
			if now.Sub(e.state.FailedAt) >= s.opts.FailureCooldown {
				e.state = types.ArtifactState{Status: types.ArtifactAbsent}
			}
		}
		return ctx.Err() == nil
	})

	if ctx.Err() != nil {
		return res
	}

	s.sweepOrphans(s.opts.ScratchDir, 0, live, &res)

	if res.Evicted > 0 || res.Orphans > 0 || res.Errors > 0 {
		logger.Info("{artifact/sweep - Sweep} Evicted %d, orphans %d, failed deletions %d", res.Evicted, res.Orphans, res.Errors)
	}
	return res
}

// sweepOrphans walks scratch/<source>/<index>/<variant>. Working directories
// not backing a live artifact and anything else in the tree are removed
// once their mtime is past the expiry. Empty parents are pruned.
func (s *Store) sweepOrphans(dir string, depth int, live map[string]bool, res *SweepResult) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("{artifact/sweep - sweepOrphans} Reading %s failed: %v", dir, err)
		}
		return
	}

	now := s.opts.Now()
	for _, item := range items {
		path := filepath.Join(dir, item.Name())
		if live[path] {
			continue
		}

		if item.IsDir() && depth < 2 {
			s.sweepOrphans(path, depth+1, live, res)
			if isEmptyDir(path) {
				os.Remove(path)
			}
			continue
		}

		info, err := item.Info()
		if err != nil {
			continue
		}

		// variant directories age by their variant, stray files by the default
		variant := ""
		if item.IsDir() {
			variant = item.Name()
		}
		if now.Sub(info.ModTime()) <= s.opts.Expiry(variant) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			res.Errors++
			logger.Warn("{artifact/sweep - sweepOrphans} Removing %s failed: %v", path, err)
			continue
		}
		res.Orphans++
		logger.Debug("{artifact/sweep - sweepOrphans} Removed untracked %s", path)
	}
}

func isEmptyDir(dir string) bool {
	items, err := os.ReadDir(dir)
	return err == nil && len(items) == 0
}
