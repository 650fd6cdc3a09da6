// Package ops holds the maintenance jobs that run outside the serving
// path: expiry sweeping and at-rest integrity verification.
package ops

import (
	"context"
	"log"

	"github.com/kk-code-lab/sealstream/internal/clock"
	"github.com/kk-code-lab/sealstream/internal/meta"
	"github.com/kk-code-lab/sealstream/internal/storage/bundle"
)

// Sweeper removes expired assets, crash-leftover staging directories,
// and reconciles bundles against the metadata index.
type Sweeper struct {
	Store *bundle.Store
	Meta  *meta.Store
	Clock clock.Clock
}

// SweepReport summarizes one sweep run.
type SweepReport struct {
	Expired        int
	StagingDropped int
	OrphanBundles  int
	OrphanRows     int
}

// Sweep runs one pass. Partial failure is tolerated: a bundle that
// refuses to delete is logged and retried on the next run.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	clk := s.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	expired, err := s.Meta.ListExpired(ctx, clk.Now())
	if err != nil {
		return report, err
	}
	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.Store.Delete(id); err != nil {
			log.Printf("sweep delete failed asset=%s err=%v", id, err)
			continue
		}
		if err := s.Meta.DeleteAsset(ctx, id); err != nil {
			log.Printf("sweep meta delete failed asset=%s err=%v", id, err)
			continue
		}
		report.Expired++
	}

	staging, err := s.Store.ListStaging()
	if err != nil {
		return report, err
	}
	for _, id := range staging {
		if err := s.Store.DropStaging(id); err != nil {
			log.Printf("sweep staging drop failed asset=%s err=%v", id, err)
			continue
		}
		report.StagingDropped++
	}

	// Reconcile: a bundle without a metadata row is invisible to every
	// API path and can only be debris from a half-finished delete.
	ids, err := s.Store.ListAssetIDs()
	if err != nil {
		return report, err
	}
	onDisk := make(map[string]bool, len(ids))
	for _, id := range ids {
		onDisk[id] = true
		if _, err := s.Meta.GetAsset(ctx, id); err == nil {
			continue
		}
		if err := s.Store.Delete(id); err != nil {
			log.Printf("sweep orphan delete failed asset=%s err=%v", id, err)
			continue
		}
		report.OrphanBundles++
	}

	// And the reverse: a row whose bundle is gone.
	rows, err := s.Meta.ListAssetIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range rows {
		if onDisk[id] {
			continue
		}
		if err := s.Meta.DeleteAsset(ctx, id); err != nil {
			log.Printf("sweep orphan row delete failed asset=%s err=%v", id, err)
			continue
		}
		report.OrphanRows++
	}

	return report, nil
}
