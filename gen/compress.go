package gen

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/vpro-eis/netgen/gen/bif"
)

// The compressor rewrites the per-layer stream without changing its
// replay semantics: broadcast merging collapses identical transfers to
// different units/clusters, the block extension batches DMA runs behind a
// single queue slot, the loop extension folds arithmetic progressions,
// and the store splitter strips trailing overcalc words.
//
// The merger must run before the block extension (it leaves a stream that
// already holds block headers untouched; the block extension itself turns
// cluster indices into cluster masks); loop extension and store splitter
// commute with each other but not with the merger.

// dmaBlockSize bounds the number of transfers a single block header may
// announce.
const dmaBlockSize = 65535

// CompressCommands applies the enabled passes and recomputes the per-kind
// counters.
func (b *LayerBase) CompressCommands() {
	before := len(b.Commands)

	if b.Cfg.UseDMAMerger {
		b.Commands = dmaMerger(b.Commands)
	}
	if b.Cfg.UseDMALoopExtension {
		b.Commands = dmaLoopExtension(b.Commands, 2)
	}
	if b.Cfg.UseDMAStoreSplitter {
		b.Commands = dmaStoreSplitter(b.Commands)
	}
	if b.Cfg.UseDMAExtension {
		b.Commands = dmaBlockExtension(b.Commands)
	}

	b.recountCommands()

	if len(b.Commands) != before {
		logrus.Debugf("compressed %s: %d -> %d commands", b.FullName(), before, len(b.Commands))
	}
}

// recountCommands rebuilds the (sync, vpro, dma) triple from the stream.
func (b *LayerBase) recountCommands() {
	b.CmdCnt = CmdCount{}
	for i := range b.Commands {
		switch b.Commands[i].Type {
		case bif.CmdVPROWait, bif.CmdDMAWait, bif.CmdBothSync:
			b.CmdCnt.Sync++
		case bif.CmdVPRO:
			b.CmdCnt.VPRO++
		case bif.CmdDMA, bif.CmdDMASetPadding:
			b.CmdCnt.DMA++
		}
	}
}

// dmaRuns walks contiguous blocks of DMA commands of one direction class;
// enter/leave runs are never merged across a direction switch.
func dmaRuns(cmds []bif.CommandSegment, visit func(run []bif.CommandSegment) []bif.CommandSegment) []bif.CommandSegment {
	out := make([]bif.CommandSegment, 0, len(cmds))
	var run []bif.CommandSegment
	runL2E := false

	flush := func() {
		if len(run) > 0 {
			out = append(out, visit(run)...)
			run = nil
		}
	}

	for _, cs := range cmds {
		if cs.Type == bif.CmdDMA {
			if len(run) > 0 && cs.DMA.Direction.IsL2E() != runL2E {
				flush()
			}
			if len(run) == 0 {
				runL2E = cs.DMA.Direction.IsL2E()
			}
			run = append(run, cs)
			continue
		}
		flush()
		out = append(out, cs)
	}
	flush()
	return out
}

func sameDMAExceptUnit(a, b *bif.CommandDMA) bool {
	return a.Direction == b.Direction &&
		a.Cluster == b.Cluster &&
		a.MMAddr == b.MMAddr &&
		a.LMAddr == b.LMAddr &&
		a.XSize == b.XSize &&
		a.YSize == b.YSize &&
		a.YLeap == b.YLeap &&
		a.Padding == b.Padding &&
		a.IsKernelOffset == b.IsKernelOffset &&
		a.IsBiasOffset == b.IsBiasOffset &&
		a.SkippedElementsAtEnd == b.SkippedElementsAtEnd
}

func sameDMAExceptCluster(a, b *bif.CommandDMA) bool {
	return a.Direction == b.Direction &&
		a.UnitMask == b.UnitMask &&
		a.MMAddr == b.MMAddr &&
		a.LMAddr == b.LMAddr &&
		a.XSize == b.XSize &&
		a.YSize == b.YSize &&
		a.YLeap == b.YLeap &&
		a.Padding == b.Padding &&
		a.IsKernelOffset == b.IsKernelOffset &&
		a.IsBiasOffset == b.IsBiasOffset &&
		a.SkippedElementsAtEnd == b.SkippedElementsAtEnd
}

// dmaMerger collapses identical descriptors into unit broadcasts. Within a
// run (after a stable sort by address, local address and cluster),
// transfers identical except for the unit mask are OR-ed; cluster indices
// are merged into cluster masks later, by clusterBroadcast in the block
// extension. Fake-2D transfers with unit leap degenerate to 1D.
func dmaMerger(cmds []bif.CommandSegment) []bif.CommandSegment {
	// A stream carrying block headers is already consolidated; re-sorting
	// it would break the size ordering the block builder established.
	for i := range cmds {
		if cmds[i].Type == bif.CmdDMABlock {
			return cmds
		}
	}

	merged := 0
	out := dmaRuns(cmds, func(run []bif.CommandSegment) []bif.CommandSegment {
		// Fake 2D -> 1D: a row leap of one means the rows are contiguous.
		for i := range run {
			d := &run[i].DMA
			if d.YLeap == 1 && d.YSize >= 1 && d.Padding == 0 {
				d.XSize *= d.YSize
				d.YSize = 1
				d.YLeap = 0
				if d.Direction == bif.DirE2L2D {
					d.Direction = bif.DirE2L1D
				} else if d.Direction == bif.DirL2E2D {
					d.Direction = bif.DirL2E1D
				}
			}
		}

		// Unit broadcast.
		sort.SliceStable(run, func(i, j int) bool {
			a, b := &run[i].DMA, &run[j].DMA
			if a.MMAddr != b.MMAddr {
				return a.MMAddr < b.MMAddr
			}
			if a.LMAddr != b.LMAddr {
				return a.LMAddr < b.LMAddr
			}
			return a.Cluster < b.Cluster
		})
		unitMerged := run[:0:0]
		for _, cs := range run {
			if n := len(unitMerged); n > 0 && sameDMAExceptUnit(&unitMerged[n-1].DMA, &cs.DMA) {
				unitMerged[n-1].DMA.UnitMask |= cs.DMA.UnitMask
				merged++
				continue
			}
			unitMerged = append(unitMerged, cs)
		}
		return unitMerged
	})
	if merged > 0 {
		logrus.Debugf("dma merger: %d transfers folded into broadcasts", merged)
	}
	return out
}

// clusterBroadcast converts the per-run cluster indices into a mask and
// OR-s transfers identical except for it. Runs as part of the block
// extension, after the unit merger.
func clusterBroadcast(run []bif.CommandSegment) []bif.CommandSegment {
	sort.SliceStable(run, func(i, j int) bool {
		a, b := &run[i].DMA, &run[j].DMA
		if a.MMAddr != b.MMAddr {
			return a.MMAddr < b.MMAddr
		}
		if a.LMAddr != b.LMAddr {
			return a.LMAddr < b.LMAddr
		}
		if a.UnitMask != b.UnitMask {
			return a.UnitMask < b.UnitMask
		}
		return a.Cluster < b.Cluster
	})

	out := run[:0:0]
	for _, cs := range run {
		mask := uint32(1) << cs.DMA.Cluster
		if n := len(out); n > 0 && sameDMAExceptCluster(&out[n-1].DMA, &cs.DMA) {
			out[n-1].DMA.Cluster |= mask
			continue
		}
		cs.DMA.Cluster = mask
		out = append(out, cs)
	}

	// Largest transfers first inside a block.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DMA.XSize*out[i].DMA.YSize > out[j].DMA.XSize*out[j].DMA.YSize
	})
	return out
}

// dmaBlockExtension prefixes every consolidated DMA run with a header
// meta-command carrying the run length; the queue fires the run as one
// burst and only the header occupies a synchronisation slot. Loop headers
// inside the run count like the records they stand for.
func dmaBlockExtension(cmds []bif.CommandSegment) []bif.CommandSegment {
	// Compressing an already-compressed stream is a fixed point: a stream
	// carrying block headers is left untouched (its clusters are already
	// masks).
	for i := range cmds {
		if cmds[i].Type == bif.CmdDMABlock {
			return cmds
		}
	}

	out := make([]bif.CommandSegment, 0, len(cmds))
	var run []bif.CommandSegment
	runL2E := false
	inLoop := 0

	flush := func() {
		if len(run) == 0 {
			return
		}
		// Loop headers must stay glued to their record: only plain runs
		// are re-sorted for cluster broadcasting.
		hasLoop := false
		for i := range run {
			if run[i].Type == bif.CmdDMALoop {
				hasLoop = true
				break
			}
		}
		if !hasLoop {
			run = clusterBroadcast(run)
		} else {
			for i := range run {
				if run[i].Type == bif.CmdDMA {
					run[i].DMA.Cluster = uint32(1) << run[i].DMA.Cluster
				}
			}
		}
		for len(run) > 0 {
			n := minInt(len(run), dmaBlockSize)
			out = append(out, bif.CommandSegment{Type: bif.CmdDMABlock, Block: bif.CommandDMABlock{Count: uint32(n)}})
			out = append(out, run[:n]...)
			run = run[n:]
		}
		run = nil
	}

	for _, cs := range cmds {
		switch cs.Type {
		case bif.CmdDMA:
			if inLoop == 0 && len(run) > 0 && cs.DMA.Direction.IsL2E() != runL2E {
				flush()
			}
			if len(run) == 0 {
				runL2E = cs.DMA.Direction.IsL2E()
			}
			run = append(run, cs)
			if inLoop > 0 {
				inLoop--
			}
		case bif.CmdDMALoop:
			if len(run) == 0 {
				runL2E = false
			}
			run = append(run, cs)
			inLoop = 1
		default:
			flush()
			out = append(out, cs)
		}
	}
	flush()
	return out
}

// dmaLoopExtension rewrites runs of at least minRun identical transfers
// whose external address increases by a constant stride into a loop
// header followed by the first record.
func dmaLoopExtension(cmds []bif.CommandSegment, minRun int) []bif.CommandSegment {
	if minRun < 2 {
		minRun = 2
	}
	// Blocked streams are final: folding inside a burst would falsify the
	// header count.
	for i := range cmds {
		if cmds[i].Type == bif.CmdDMABlock {
			return cmds
		}
	}
	out := make([]bif.CommandSegment, 0, len(cmds))

	i := 0
	for i < len(cmds) {
		if cmds[i].Type != bif.CmdDMA {
			out = append(out, cmds[i])
			i++
			continue
		}
		if i > 0 && cmds[i-1].Type == bif.CmdDMALoop {
			// Loop body emitted by an earlier pass; keep it glued to its
			// header.
			out = append(out, cmds[i])
			i++
			continue
		}

		// Extend a candidate progression.
		j := i + 1
		var stride int64
		for j < len(cmds) && cmds[j].Type == bif.CmdDMA {
			d := int64(cmds[j].DMA.MMAddr) - int64(cmds[j-1].DMA.MMAddr)
			probe := cmds[j]
			probe.DMA.MMAddr = cmds[j-1].DMA.MMAddr
			if !sameDMAExceptUnit(&probe.DMA, &cmds[j-1].DMA) || probe.DMA.UnitMask != cmds[j-1].DMA.UnitMask {
				break
			}
			if j == i+1 {
				stride = d
			} else if d != stride {
				break
			}
			j++
		}

		if count := j - i; count >= minRun && stride != 0 {
			out = append(out, bif.CommandSegment{
				Type: bif.CmdDMALoop,
				Loop: bif.CommandDMALoop{Count: uint32(count), MMStride: stride},
			})
			out = append(out, cmds[i])
			i = j
			continue
		}

		out = append(out, cmds[i])
		i++
	}
	return out
}

// dmaStoreSplitter subtracts the marked overcalc words from the last 1D
// store of a block so garbage never reaches main memory.
func dmaStoreSplitter(cmds []bif.CommandSegment) []bif.CommandSegment {
	for i := range cmds {
		d := &cmds[i].DMA
		if cmds[i].Type != bif.CmdDMA || d.SkippedElementsAtEnd == 0 {
			continue
		}
		if d.Direction == bif.DirL2E1D && d.YSize <= 1 {
			d.XSize -= uint32(d.SkippedElementsAtEnd)
			d.SkippedElementsAtEnd = 0
		}
	}
	return cmds
}
