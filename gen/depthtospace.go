package gen

import (
	"github.com/vpro-eis/netgen/gen/bif"
)

// DepthToSpace rearranges channel groups into 2x2 spatial blocks
// (block_size 2). The work is mostly DMA: four channel tiles land in LM,
// the lanes interleave them, and each tile is written back by its own store.
type DepthToSpace struct {
	LayerBase

	BlockSize int

	icToOcMap []int
}

func NewDepthToSpace(name string, number int) *DepthToSpace {
	l := &DepthToSpace{}
	l.initBase(l)
	l.BlockSize = 2
	l.Name = name
	l.Number = number
	return l
}

func (d *DepthToSpace) TypeName() string { return "DepthToSpace" }

func (d *DepthToSpace) LayerType() bif.LayerType { return bif.LTDepthToSpace }

func (d *DepthToSpace) ComputeOutputDim() error {
	if len(d.SrcLayers) == 0 {
		return layerError(d, ErrShape, "can not compute output dim without src layers")
	}
	if d.BlockSize != 2 {
		return layerError(d, ErrShape, "only implemented for block_size 2")
	}
	if d.InDim(0).Ch%(d.BlockSize*d.BlockSize) != 0 {
		return layerError(d, ErrShape, "input channels %d not divisible by block_size^2", d.InDim(0).Ch)
	}
	d.OutDim.X = d.InDim(0).X * d.BlockSize
	d.OutDim.Y = d.InDim(0).Y * d.BlockSize
	d.OutDim.Ch = d.InDim(0).Ch / d.BlockSize / d.BlockSize
	return nil
}

func (d *DepthToSpace) ProcessParams() error {
	if err := d.self.ComputeOutputDim(); err != nil {
		return err
	}
	if len(d.SrcLayers) != 1 {
		return layerError(d, ErrShape, "accepts exactly one input")
	}
	d.Groups = 1
	if d.LMLaneStride == strideUnset {
		d.LMLaneStride = d.arch.RFSize
	}

	d.icToOcMap = d.icToOcMap[:0]
	for ic := 0; ic < d.InDim(0).Ch; ic++ {
		d.icToOcMap = append(d.icToOcMap, ic%d.OutDim.Ch)
	}
	return nil
}

func (d *DepthToSpace) SetSegmentDimensions() error {
	d.Seg.In.W = 2
	d.Seg.In.H = 2

	d.Seg.Num.X = d.InDim(0).X / d.Seg.In.W
	d.Seg.Num.Y = d.InDim(0).Y / d.Seg.In.H

	d.Seg.Out.W = d.OutDim.X / d.Seg.Num.X
	d.Seg.Out.H = d.OutDim.Y / d.Seg.Num.Y
	return nil
}

// GetSegment addresses one 2x2 input tile and the interleaved output
// position of its channel slice.
func (d *DepthToSpace) GetSegment(x, y, ic, oc int) *Segment {
	segment := &Segment{
		XSeg:       x,
		YSeg:       y,
		OutChannel: oc,
		InChannel:  ic,
	}

	bs2 := d.BlockSize * d.BlockSize
	icOffset := (ic % bs2) * d.OutDim.Ch * d.InDim(0).X * d.InDim(0).Y
	// Sub-block rows swap: the 2x2 quadrants interleave row-major in the
	// output but column-major in the channel stack.
	if ic%bs2 == 1 {
		icOffset = 2 * d.OutDim.Ch * d.InDim(0).X * d.InDim(0).Y
	}
	if ic%bs2 == 2 {
		icOffset = 1 * d.OutDim.Ch * d.InDim(0).X * d.InDim(0).Y
	}
	ocOffset := oc * d.InDim(0).X * d.InDim(0).Y
	xOffset := x * d.Seg.In.W
	yOffset := y * d.InDim(0).X * d.Seg.In.H

	segment.InMMBase = []uint32{d.InDim(0).MM.ChannelBase[0] + uint32(2*(icOffset+ocOffset+xOffset+yOffset))}
	segment.InMMYStride = []int32{int32(d.InDim(0).MM.X)}

	outOcOffset := oc * d.OutDim.X * d.OutDim.Y
	outIcOffset := (ic % bs2) * d.OutDim.X
	outXOffset := x * bs2
	outYOffset := y * d.Seg.In.H * d.BlockSize * d.OutDim.X

	segment.OutMMBase = d.OutDim.MM.ChannelBase[0] + uint32(2*(outIcOffset+outOcOffset+outXOffset+outYOffset))
	segment.OutMMYStride = int32(d.OutDim.MM.X)

	segment.IsLast = x == d.Seg.Num.X-1 && y == d.Seg.Num.Y-1 && ic == d.InDim(0).Ch-1
	return segment
}

// GenerateSegments assigns each channel chain to a cluster; sets span the
// clusters times the block group.
func (d *DepthToSpace) GenerateSegments() error {
	if !d.OutDim.MM.LayoutKnown {
		return layerError(d, ErrMemoryOverflow, "output memory layout unknown")
	}
	for _, sl := range d.SrcLayers {
		if !sl.Base().OutDim.MM.LayoutKnown {
			return layerError(d, ErrMemoryOverflow, "input layer %s has no memory layout yet", sl.FullName())
		}
	}

	clusters := d.arch.Clusters
	batches := make([][]*Segment, clusters)
	cl := 0
	appendedDummies := 0
	d.Segments = d.Segments[:0]

	flush := func() {
		for s := 0; s < len(batches[0]); s++ {
			for b := range batches {
				d.Segments = append(d.Segments, batches[b][s])
			}
		}
		for b := range batches {
			batches[b] = nil
		}
	}

	for y := 0; y < d.Seg.Num.Y; y++ {
		for x := 0; x < d.Seg.Num.X; x++ {
			for ic := 0; ic < d.InDim(0).Ch; ic++ {
				oc := ic / (d.BlockSize * d.BlockSize)
				seg := d.GetSegment(x, y, ic, oc)
				batches[cl] = append(batches[cl], seg)

				if ic == d.InDim(0).Ch-1 {
					cl = (cl + 1) % clusters
				}

				for seg.IsLast && cl != 0 {
					n := len(batches[cl-1])
					for i := 0; i < n; i++ {
						batches[cl] = append(batches[cl], NewDummySegment(seg))
						appendedDummies++
					}
					cl = (cl + 1) % clusters
				}

				if seg.IsLast && cl == 0 {
					flush()
				}
			}
		}
	}

	expected := d.Seg.Num.X*d.Seg.Num.Y*d.InDim(0).Ch + appendedDummies
	if len(d.Segments) != expected {
		return layerError(d, ErrCapacity, "generated %d segments (%d dummies), expected %d", len(d.Segments), appendedDummies, expected)
	}
	return nil
}

func (d *DepthToSpace) Load(segments []*Segment, segCnt int, buffer Buffer) error {
	bs2 := d.BlockSize * d.BlockSize
	for ic := 0; ic < bs2; ic++ {
		for cl := 0; cl < d.arch.Clusters; cl++ {
			segment := segments[ic*d.arch.Clusters+cl+segCnt]
			if segment.Dummy {
				continue
			}
			cmd := bif.CommandSegment{Type: bif.CmdDMA}
			cmd.DMA.Direction = bif.DirE2L2D
			cmd.DMA.Cluster = 1 << cl
			cmd.DMA.UnitMask = 1
			cmd.DMA.MMAddr = uint64(segment.InMMBase[0])
			cmd.DMA.LMAddr = uint32((segment.InChannel % bs2) * d.Seg.In.W * d.Seg.In.H)
			cmd.DMA.XSize = uint32(d.Seg.In.W)
			cmd.DMA.YSize = uint32(d.Seg.In.H)
			cmd.DMA.YLeap = segment.InMMYStride[0] - int32(d.Seg.In.W) + 1
			d.Commands = append(d.Commands, cmd)
			d.CmdCnt.DMA++
		}
	}
	return nil
}

func (d *DepthToSpace) Compute(segments []*Segment, segCnt int, buffer Buffer, storeBuffer *Buffer) error {
	cmd := bif.CommandSegment{Type: bif.CmdVPRO}
	cmd.VPRO.Command = bif.VOpDepthToSpace
	cmd.VPRO.XEnd = 1
	cmd.VPRO.YEnd = 1
	d.Commands = append(d.Commands, cmd)
	d.CmdCnt.VPRO++
	return nil
}

func (d *DepthToSpace) Store(segments []*Segment, segCnt int, buffer Buffer) error {
	bs2 := d.BlockSize * d.BlockSize
	for ic := 0; ic < bs2; ic++ {
		for cl := 0; cl < d.arch.Clusters; cl++ {
			segment := segments[ic*d.arch.Clusters+cl+segCnt]
			if segment.Dummy {
				continue
			}
			cmd := bif.CommandSegment{Type: bif.CmdDMA}
			cmd.DMA.Direction = bif.DirL2E2D
			cmd.DMA.Cluster = 1 << cl
			cmd.DMA.UnitMask = 1
			cmd.DMA.MMAddr = uint64(segment.OutMMBase)
			cmd.DMA.LMAddr = uint32((segment.InChannel % bs2) * d.Seg.In.W * d.Seg.In.H)
			cmd.DMA.XSize = uint32(d.Seg.In.W * d.Seg.In.H)
			cmd.DMA.YSize = 1
			cmd.DMA.YLeap = segment.OutMMYStride - int32(d.Seg.In.W*d.Seg.In.H) + 1
			d.Commands = append(d.Commands, cmd)
			d.CmdCnt.DMA++
		}
	}
	return nil
}

// GenerateCommands keeps single buffering: each block group loads,
// interleaves and stores before the next starts.
func (d *DepthToSpace) GenerateCommands() error {
	d.CmdCnt = CmdCount{}
	d.Commands = d.Commands[:0]

	group := d.arch.Clusters * d.BlockSize * d.BlockSize
	for cur := 0; cur < len(d.Segments); cur += group {
		if err := d.Load(d.Segments, cur, BufA); err != nil {
			return err
		}
		d.pushDMAWait()

		if err := d.Compute(d.Segments, cur, BufA, nil); err != nil {
			return err
		}
		d.pushVPROSync()

		if err := d.Store(d.Segments, cur, BufA); err != nil {
			return err
		}
		d.pushDMAWait()
	}
	return nil
}

// CompressCommands keeps the stream as emitted; the strict DMA interleave
// of the block groups must not be reordered.
func (d *DepthToSpace) CompressCommands() {}

func (d *DepthToSpace) GenerateBifLayer(bl *bif.LayerHeader) {
	d.LayerBase.GenerateBifLayer(bl)
	bl.BlockSize = int32(d.BlockSize)
}
