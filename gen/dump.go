package gen

import (
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/vpro-eis/netgen/gen/bif"
)

// Human-readable dumps of the compilation result: per-layer frontend
// info, the segment list, the lane occupancy grid and the command stream.

// LayerInfoText summarises one layer for the frontend dump.
func (n *Net) LayerInfoText(l Layer) string {
	b := l.Base()
	var sb strings.Builder

	fmt.Fprintf(&sb, "== Layer %s%s, class %s\n", l.FullName(), b.IoStr(true, false), l.TypeName())

	if b.LastLayerUsingInput {
		fmt.Fprint(&sb, "  Last layer reading CNN input\n")
	}
	if b.FirstLayerProducingOutput {
		fmt.Fprint(&sb, "  First layer writing CNN output\n")
	}

	fmt.Fprint(&sb, "  src :")
	sep := " "
	for _, sl := range b.SrcLayers {
		fmt.Fprintf(&sb, "%s{ %s: %s }", sep, sl.FullName(), sl.Base().OutDim.AlgoMMStr())
		sep = ", "
	}
	if len(b.SrcLayers) == 0 {
		fmt.Fprint(&sb, " -")
	}
	fmt.Fprint(&sb, "\n")

	fmt.Fprint(&sb, "  dest:")
	sep = " "
	for _, dl := range b.DestLayers {
		fmt.Fprintf(&sb, "%s{ %s }", sep, dl.FullName())
		sep = ", "
	}
	if b.OutIsResult {
		fmt.Fprintf(&sb, "%s<Result>", sep)
	} else if len(b.DestLayers) == 0 {
		fmt.Fprint(&sb, " -")
	}
	fmt.Fprintf(&sb, " : %s\n", b.OutDim.DetailStr())

	fmt.Fprintf(&sb, "  padding: algo trbl %d, %d, %d, %d; dma %d, %d, %d, %d\n",
		b.Padding.Algo.Top, b.Padding.Algo.Right, b.Padding.Algo.Bottom, b.Padding.Algo.Left,
		b.Padding.DMA.Top, b.Padding.DMA.Right, b.Padding.DMA.Bottom, b.Padding.DMA.Left)

	fmt.Fprintf(&sb, "  segmentation: count wh %dx%d, in: size %dx%d, stride %dx%d, out: size %dx%d, stride %dx%d\n",
		b.Seg.Num.X, b.Seg.Num.Y,
		b.Seg.In.W, b.Seg.In.H, b.Seg.In.XStride, b.Seg.In.YStride,
		b.Seg.Out.W, b.Seg.Out.H, b.Seg.Out.XStride, b.Seg.Out.YStride)

	fmt.Fprintf(&sb, "  parallel channels per lane: in %d, out %d\n",
		b.ParallelInchannelsPerLane, b.ParallelOutchannelsPerLane)

	fmt.Fprintf(&sb, "  groups: %d ->", b.Groups)
	for srcIdx := range b.SrcLayers {
		fmt.Fprintf(&sb, " in_group_len(%d): %d", srcIdx, b.InDim(srcIdx).Ch/b.Groups)
	}
	fmt.Fprintf(&sb, ", out_group_len: %d\n", b.OutDim.Ch/b.Groups)

	if b.WeightsFname != "" {
		state := " (NOT loaded)"
		if b.WeightsLoaded {
			state = " (loaded)"
		}
		fmt.Fprintf(&sb, "  weights: '%s'%s, int16[%d]\n", b.WeightsFname, state, len(b.WeightsPacked))
	}
	return sb.String()
}

// LayersInfoText dumps the whole frontend graph.
func (n *Net) LayersInfoText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=================== Frontend-dump '%s' ===================\n", n.Name)
	for _, l := range n.Layers {
		sb.WriteString(n.LayerInfoText(l))
	}
	return sb.String()
}

// ExportLayersText writes generated/layers.txt with the binary LAYER view
// of every compiled layer.
func (n *Net) ExportLayersText() error {
	fd, err := n.fopenw(n.GeneratedDir, "layers.txt", "layer")
	if err != nil {
		return err
	}
	defer fd.Close()

	for _, l := range n.Layers {
		if !l.Base().ProducesBinaryData {
			continue
		}
		fmt.Fprintf(fd, "LAYER %s, %s\n", l.FullName(), l.TypeName())
		var bl bif.LayerHeader
		l.GenerateBifLayer(&bl)
		bl.CommandSegmentsCount = uint32(len(l.Base().Commands))
		fmt.Fprint(fd, bl.Text())
	}
	return nil
}

// segmentsShortString lists all segments of a layer with their mapped
// processing element.
func (n *Net) segmentsShortString(l Layer) string {
	b := l.Base()
	if len(b.Segments) > 10000 && !b.Cfg.ForceSegmentDump {
		return "<details disabled for > 10000 segments; can be forced via layer config>\n"
	}
	var sb strings.Builder
	for si, s := range b.Segments {
		fmt.Fprintf(&sb, "SEGMENT %5d (%s): %s\n", si, b.segmentPosition(si), s.ShortString())
	}
	return sb.String()
}

// ExportSegmentsText writes generated/segments.txt.
func (n *Net) ExportSegmentsText() error {
	fd, err := n.fopenw(n.GeneratedDir, "segments.txt", "segment")
	if err != nil {
		return err
	}
	defer fd.Close()

	fmt.Fprint(fd, "# Format: <linear segment number> (<mapped processing element location>): Dummy/First/Last xy(<image location>) <input address(es) and row stride(s)>, <output address and row stride>, <padding>\n\n")
	for _, l := range n.Layers {
		if !l.Base().ProducesBinaryData {
			continue
		}
		fmt.Fprintf(fd, "LAYER %s, %s: %d segments\n", l.FullName(), l.TypeName(), len(l.Base().Segments))
		fmt.Fprint(fd, n.segmentsShortString(l))
	}
	return nil
}

// laneUsageString renders the occupancy grid: one character per segment
// slot, sets in brackets.
func laneUsageString(l Layer) string {
	b := l.Base()
	a := b.Arch()
	segsPerSet := a.ParallelLanes() * b.ParallelOutchannelsPerLane

	var sb strings.Builder
	fmt.Fprint(&sb, "  cluster ")
	for si := 0; si < segsPerSet; si++ {
		fmt.Fprintf(&sb, "%d", si/(a.Units*a.Lanes*b.ParallelOutchannelsPerLane)%a.Clusters)
	}
	fmt.Fprint(&sb, "\n     unit ")
	for si := 0; si < segsPerSet; si++ {
		fmt.Fprintf(&sb, "%d", si/(a.Lanes*b.ParallelOutchannelsPerLane)%a.Units)
	}
	fmt.Fprint(&sb, "\n     lane ")
	for si := 0; si < segsPerSet; si++ {
		fmt.Fprintf(&sb, "%d", si/b.ParallelOutchannelsPerLane%a.Lanes)
	}
	fmt.Fprint(&sb, "\n  channel ")
	for si := 0; si < segsPerSet; si++ {
		fmt.Fprintf(&sb, "%d", si%b.ParallelOutchannelsPerLane%10)
	}
	fmt.Fprint(&sb, "\n")

	for i, s := range b.Segments {
		if i%segsPerSet == 0 {
			fmt.Fprintf(&sb, "set %4d [", i/segsPerSet)
		}
		switch {
		case s.Dummy:
			fmt.Fprint(&sb, "-")
		case s.IsFirst && s.IsLast:
			fmt.Fprint(&sb, "1")
		case s.IsFirst:
			fmt.Fprint(&sb, "F")
		case s.IsLast:
			fmt.Fprint(&sb, "L")
		default:
			fmt.Fprint(&sb, "x")
		}
		if (i+1)%segsPerSet == 0 {
			fmt.Fprint(&sb, "]\n")
		}
	}
	return sb.String()
}

// laneOccupancyStats summarises the per-set fraction of busy lanes.
func laneOccupancyStats(l Layer, w io.Writer) {
	b := l.Base()
	segsPerSet := b.Arch().ParallelLanes() * b.ParallelOutchannelsPerLane
	if segsPerSet == 0 || len(b.Segments) == 0 {
		return
	}

	var occupancy []float64
	for set := 0; set*segsPerSet < len(b.Segments); set++ {
		busy := 0
		for i := set * segsPerSet; i < (set+1)*segsPerSet && i < len(b.Segments); i++ {
			if !b.Segments[i].Dummy {
				busy++
			}
		}
		occupancy = append(occupancy, float64(busy)/float64(segsPerSet))
	}

	mean, std := stat.MeanStdDev(occupancy, nil)
	fmt.Fprintf(w, "  occupancy: mean %.3f, stddev %.3f over %d sets\n", mean, std, len(occupancy))
}

// ExportLaneUsageText writes generated/lane_usage.txt.
func (n *Net) ExportLaneUsageText() error {
	fd, err := n.fopenw(n.GeneratedDir, "lane_usage.txt", "lane usage")
	if err != nil {
		return err
	}
	defer fd.Close()

	fmt.Fprint(fd, "Mapping of segments to lanes\nLegend:\nF: isFirst\nL: isLast\n1: isFirst && isLast\nx: !isFirst && !isLast\n-: dummy\n\n")
	for _, l := range n.Layers {
		if !l.Base().ProducesBinaryData {
			continue
		}
		b := l.Base()
		segsPerSet := n.Arch.ParallelLanes() * b.ParallelOutchannelsPerLane
		fmt.Fprintf(fd, "LAYER %s, %s: %d segments in %d sets (%d parallel_outchannels_per_lane, %dc%du%dl)\n",
			l.FullName(), l.TypeName(), len(b.Segments), len(b.Segments)/segsPerSet,
			b.ParallelOutchannelsPerLane, n.Arch.Clusters, n.Arch.Units, n.Arch.Lanes)
		fmt.Fprint(fd, laneUsageString(l))
		laneOccupancyStats(l, fd)
	}
	return nil
}

// ExportCommandsText writes generated/commands.txt.
func (n *Net) ExportCommandsText() error {
	fd, err := n.fopenw(n.GeneratedDir, "commands.txt", "command")
	if err != nil {
		return err
	}
	defer fd.Close()

	for _, l := range n.Layers {
		if !l.Base().ProducesBinaryData {
			continue
		}
		b := l.Base()
		fmt.Fprintf(fd, "LAYER %s, %s: %d commands (sync %d, vpro %d, dma %d)\n",
			l.FullName(), l.TypeName(), len(b.Commands), b.CmdCnt.Sync, b.CmdCnt.VPRO, b.CmdCnt.DMA)
		for i := range b.Commands {
			fmt.Fprintf(fd, "[%5d] %s\n", i, b.Commands[i].Text())
		}
	}
	return nil
}
