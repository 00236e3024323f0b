package install

import (
	"fmt"

	"github.com/ligustah/vaultfetch/internal/progress"
	"github.com/ligustah/vaultfetch/pkg/chunk"
)

// analyze sizes the segment. A chunk is live from its first to its last use;
// downloads start in first-use order, so the segment must hold the largest
// live set at any step.
func (p *planner) analyze() error {
	plan := p.plan
	if len(plan.Downloads) == 0 {
		return nil
	}

	for _, d := range plan.Downloads {
		plan.SlotSize = max(plan.SlotSize, int64(d.Chunk.WindowSize))
	}
	if plan.SlotSize == 0 {
		plan.SlotSize = chunk.DefaultWindowSize
	}

	// delta[i] is the change of the live set at step i.
	delta := make([]int, len(plan.Steps)+1)
	for _, d := range plan.Downloads {
		delta[d.FirstUse]++
		delta[d.LastUse+1]--
	}
	live := 0
	for _, n := range delta {
		live += n
		plan.PeakLive = max(plan.PeakLive, live)
	}

	required := int64(plan.PeakLive) * plan.SlotSize
	if required > p.opts.MaxSharedMemory {
		return fmt.Errorf("%w: %d chunks of %s are live at once, need %s, have %s",
			ErrInsufficientMemory, plan.PeakLive, progress.FormatBytes(plan.SlotSize),
			progress.FormatBytes(required), progress.FormatBytes(p.opts.MaxSharedMemory))
	}

	// Spare slots let downloads run ahead of the writer.
	plan.Slots = int(min(p.opts.MaxSharedMemory/plan.SlotSize, int64(len(plan.Downloads))))
	p.log.Debug("shared memory analysis",
		"chunks", len(plan.Downloads),
		"peak_live", plan.PeakLive,
		"slots", plan.Slots,
		"slot_size", plan.SlotSize)
	return nil
}
