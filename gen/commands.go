package gen

import (
	"sort"

	"github.com/vpro-eis/netgen/gen/bif"
)

// DMADescriptor is the pre-merge form of one DMA transfer for a single
// (cluster, unit). Descriptors of a set are collected per lane, sorted by
// external address and fused into unit broadcasts before they become
// command segments.
type DMADescriptor struct {
	IsMMKernelOffset bool
	IsMMBiasOffset   bool

	Dir     bif.DMADirection
	Cluster int
	Unit    int
	MMAddr  uint64
	LMAddr  uint32
	XSize   int
	YSize   int

	WordCount int // 1D transfers
	YLeap     int

	Pad                  [4]bool // top, right, bottom, left
	SkippedElementsAtEnd uint8
}

// load realises the descriptor as a command segment with the given unit
// broadcast mask. Only external-to-local directions are legal here.
func (d *DMADescriptor) load(unitMask uint32) bif.CommandSegment {
	cmd := bif.CommandSegment{Type: bif.CmdDMA}
	cmd.DMA.Direction = d.Dir
	cmd.DMA.Cluster = uint32(d.Cluster)
	cmd.DMA.UnitMask = unitMask

	cmd.DMA.IsBiasOffset = d.IsMMBiasOffset
	cmd.DMA.IsKernelOffset = d.IsMMKernelOffset
	cmd.DMA.SkippedElementsAtEnd = d.SkippedElementsAtEnd

	cmd.DMA.MMAddr = d.MMAddr
	cmd.DMA.LMAddr = d.LMAddr
	if d.Dir == bif.DirE2L1D {
		cmd.DMA.XSize = uint32(d.WordCount)
		cmd.DMA.YSize = 1
		cmd.DMA.YLeap = 0
	} else {
		cmd.DMA.YLeap = int32(d.YLeap)
		cmd.DMA.XSize = uint32(d.XSize)
		cmd.DMA.YSize = uint32(d.YSize)
		cmd.DMA.Padding = bif.PadFlags(d.Pad[0], d.Pad[1], d.Pad[2], d.Pad[3])
	}
	return cmd
}

func (d *DMADescriptor) sameExceptUnit(ref *DMADescriptor) bool {
	return d.MMAddr == ref.MMAddr &&
		d.LMAddr == ref.LMAddr &&
		d.XSize == ref.XSize &&
		d.YSize == ref.YSize &&
		d.WordCount == ref.WordCount &&
		d.YLeap == ref.YLeap &&
		d.Cluster == ref.Cluster &&
		d.Pad == ref.Pad &&
		d.IsMMBiasOffset == ref.IsMMBiasOffset &&
		d.IsMMKernelOffset == ref.IsMMKernelOffset &&
		d.SkippedElementsAtEnd == ref.SkippedElementsAtEnd
}

// startBroadcastLoad sorts the collected descriptors by external address
// and fuses those that are identical except for their unit into one
// broadcast descriptor with an OR-ed unit mask.
func startBroadcastLoad(dmas1D, dmas2D []DMADescriptor) []bif.CommandSegment {
	commands := make([]bif.CommandSegment, 0, len(dmas1D)+len(dmas2D))
	merge := func(dmas []DMADescriptor) {
		if len(dmas) == 0 {
			return
		}
		sort.SliceStable(dmas, func(i, j int) bool {
			return dmas[i].MMAddr < dmas[j].MMAddr
		})
		starter := dmas[0]
		unitMask := uint32(1) << starter.Unit
		for _, dma := range dmas[1:] {
			if dma.sameExceptUnit(&starter) {
				unitMask |= uint32(1) << dma.Unit
			} else {
				commands = append(commands, starter.load(unitMask))
				starter = dma
				unitMask = uint32(1) << dma.Unit
			}
		}
		commands = append(commands, starter.load(unitMask))
	}
	merge(dmas1D)
	merge(dmas2D)
	return commands
}

func dmaWaitCmd() bif.CommandSegment { return bif.CommandSegment{Type: bif.CmdDMAWait} }

func vproSyncCmd() bif.CommandSegment { return bif.CommandSegment{Type: bif.CmdVPROWait} }

// pushDMAWait/pushVPROSync append a barrier; waits only count their own
// counter.
func (b *LayerBase) pushDMAWait() {
	b.Commands = append(b.Commands, dmaWaitCmd())
	b.CmdCnt.Sync++
}

func (b *LayerBase) pushVPROSync() {
	b.Commands = append(b.Commands, vproSyncCmd())
	b.CmdCnt.Sync++
}

func (b *LayerBase) pushDMACommands(cmds []bif.CommandSegment) {
	b.CmdCnt.DMA += len(cmds)
	b.Commands = append(b.Commands, cmds...)
}

// paddedSegmentToDma fills address, row leap and pad flags of a 2D input
// transfer from a segment.
func (b *LayerBase) paddedSegmentToDma(segment *Segment, dma *DMADescriptor, source int) {
	dma.MMAddr = uint64(segment.InMMBase[source])
	dma.YLeap = int(segment.InMMYStride[source]) - dma.XSize + 1
	dma.Pad = [4]bool{segment.PadTop, segment.PadRight, segment.PadBottom, segment.PadLeft}
}

// DataLoad is the 2D input-tile transfer of a segment, issued once per
// unit.
func (b *LayerBase) DataLoad(segment *Segment, cluster, unit int, buffer Buffer, source int) DMADescriptor {
	dma := DMADescriptor{
		Dir:     bif.DirE2L2D,
		Cluster: cluster,
		Unit:    unit,
		XSize:   b.Seg.In.W,
		YSize:   b.Seg.In.H,
		LMAddr:  uint32(int(buffer)*(b.arch.LMSize/2)) + uint32(source*b.Seg.In.W*b.Seg.In.H),
	}
	b.paddedSegmentToDma(segment, &dma, source)
	return dma
}

// DataLoad1D loads the input tile as a flat word run (no padding).
func (b *LayerBase) DataLoad1D(segment *Segment, cluster, unit int, buffer Buffer, source int) DMADescriptor {
	return DMADescriptor{
		Dir:       bif.DirE2L1D,
		Cluster:   cluster,
		Unit:      unit,
		WordCount: b.Seg.In.W * b.Seg.In.H,
		MMAddr:    uint64(segment.InMMBase[source]),
		LMAddr:    uint32(int(buffer)*(b.arch.LMSize/2)) + uint32(source*b.Seg.In.W*b.Seg.In.H),
	}
}

// storeLMAddr is where shift_store left the lane's result tile.
func (b *LayerBase) storeLMAddr(bufferLoad Buffer, lane int) uint32 {
	return uint32(int(bufferLoad)*(b.arch.LMSize/2) + b.arch.LMSize/4 + lane*b.LMLaneStride)
}

// DataStore defaults to a 2D store.
func (b *LayerBase) DataStore(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error) {
	return b.DataStore2D(segment, cluster, unit, lane, bufferLoad)
}

// DataStore2D moves the result tile from local to main memory.
func (b *LayerBase) DataStore2D(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error) {
	if err := checkFieldWidth(b.self, "store x_size", b.Seg.Out.W, 0xFFFF); err != nil {
		return bif.CommandSegment{}, err
	}
	if err := checkFieldWidth(b.self, "store y_size", b.Seg.Out.H, 0xFFFF); err != nil {
		return bif.CommandSegment{}, err
	}
	cmd := bif.CommandSegment{Type: bif.CmdDMA}
	cmd.DMA.Direction = bif.DirL2E2D
	cmd.DMA.Cluster = uint32(cluster)
	cmd.DMA.UnitMask = uint32(1) << unit
	cmd.DMA.MMAddr = uint64(segment.OutMMBase)
	cmd.DMA.LMAddr = b.storeLMAddr(bufferLoad, lane)
	cmd.DMA.XSize = uint32(b.Seg.Out.W)
	cmd.DMA.YSize = uint32(b.Seg.Out.H)
	cmd.DMA.YLeap = segment.OutMMYStride - int32(b.Seg.Out.W) + 1
	return cmd, nil
}

// DataStore1D stores the result tile as a flat word run.
func (b *LayerBase) DataStore1D(segment *Segment, cluster, unit, lane int, bufferLoad Buffer) (bif.CommandSegment, error) {
	words := b.Seg.Out.W * b.Seg.Out.H
	if err := checkFieldWidth(b.self, "store word count", words, 0xFFFF); err != nil {
		return bif.CommandSegment{}, err
	}
	cmd := bif.CommandSegment{Type: bif.CmdDMA}
	cmd.DMA.Direction = bif.DirL2E1D
	cmd.DMA.Cluster = uint32(cluster)
	cmd.DMA.UnitMask = uint32(1) << unit
	cmd.DMA.MMAddr = uint64(segment.OutMMBase)
	cmd.DMA.LMAddr = b.storeLMAddr(bufferLoad, lane)
	cmd.DMA.XSize = uint32(words)
	cmd.DMA.YSize = 1
	cmd.DMA.YLeap = 0
	return cmd, nil
}

// Store emits one store per lane that finished accumulating.
func (b *LayerBase) Store(segments []*Segment, segCnt int, buffer Buffer) error {
	cluster, unit, lane := 0, 0, 0
	n := b.ParallelOutchannelsPerLane
	for hwLane := 0; hwLane < b.arch.ParallelLanes(); hwLane++ {
		for iter := 0; iter < n; iter++ {
			segment := segments[segCnt+hwLane*n+iter]
			if !segment.Dummy && segment.IsLast {
				cmd, err := b.self.DataStore(segment, cluster, unit, lane, buffer)
				if err != nil {
					return err
				}
				cmd.DMA.LMAddr += uint32(iter * b.Seg.Out.W * b.Seg.Out.H)
				b.CmdCnt.DMA++
				b.Commands = append(b.Commands, cmd)
			}
		}
		nextHardwareElement(b.arch, &cluster, &unit, &lane)
	}
	return nil
}

// GenerateCommands walks the segment list under the two-phase double
// buffering discipline: while set s computes out of one half of local
// memory, set s+1 is loaded into the other half. Concrete layers provide
// Load, Compute and Store.
func (b *LayerBase) GenerateCommands() error {
	return runDoubleBuffer(b.self)
}

func runDoubleBuffer(l Layer) error {
	b := l.Base()
	b.CmdCnt = CmdCount{}
	b.Commands = b.Commands[:0]
	if len(b.Segments) == 0 {
		return nil
	}

	if b.Padding.Enabled && !b.Padding.DMA.Zero() {
		b.Commands = append(b.Commands, bif.CommandSegment{
			Type:   bif.CmdDMASetPadding,
			SetPad: bif.CommandDMASetPadding{Pad: b.Padding.DMA},
		})
		b.CmdCnt.DMA++
	}

	stride := b.arch.ParallelLanes() * b.ParallelOutchannelsPerLane
	bufLoad, bufCalc, bufStore := BufA, BufA, BufA

	cur := 0
	if err := l.Load(b.Segments, cur, bufLoad); err != nil {
		return err
	}
	bufLoad = bufLoad.other()

	for ; cur < len(b.Segments)-stride; cur += stride {
		next := cur + stride
		if err := l.Load(b.Segments, next, bufLoad); err != nil {
			return err
		}
		b.pushDMAWait()
		if err := l.Compute(b.Segments, cur, bufCalc, &bufStore); err != nil {
			return err
		}
		b.pushVPROSync()
		if err := l.Store(b.Segments, cur, bufStore); err != nil {
			return err
		}
		bufLoad = bufLoad.other()
		bufCalc = bufCalc.other()
	}

	// Remaining set: already loaded, not yet executed or stored.
	b.pushDMAWait()
	if err := l.Compute(b.Segments, cur, bufCalc, &bufStore); err != nil {
		return err
	}
	b.pushVPROSync()
	if err := l.Store(b.Segments, cur, bufStore); err != nil {
		return err
	}
	b.pushDMAWait()
	return nil
}
