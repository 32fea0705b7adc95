package gen

import (
	"fmt"
	"io"
)

// The descriptor files tell the simulator/runtime which files to map to
// which device addresses. Lines are comments ("# ...", where "# !" means
// "not enabled"), key-value pairs, or triples
//
//	<filename> <hex address> <payload bytes> [<a> <b>]*
//
// with trailing a/b pairs meaning "after a bytes of payload, skip b bytes
// of garbage" (strided memory layouts in a flat file).

func toSignedString(i, width int) string {
	if i >= 0 {
		return fmt.Sprintf("%0*d", width, i)
	}
	return fmt.Sprintf("-%0*d", width-1, -i)
}

// SimInputFilenameLayer names the file preloading a layer's output (the
// CNN input and intermediate inputs). The runtime resolves everything
// relative to its parent directory.
func (n *Net) SimInputFilenameLayer(l Layer) string {
	return "../input/l" + toSignedString(l.Base().Number, 3) + ".bin"
}

// SimInputActiveLayer: by default only CNN inputs are preloaded.
func (n *Net) SimInputActiveLayer(l Layer) bool { return l.Base().IsInputLayer }

func (n *Net) SimInputFilenameChannel(l Layer, ch int) string {
	return "../input/l" + toSignedString(l.Base().Number, 3) + "_ch" + toSignedString(ch, 4) + ".bin"
}

func (n *Net) SimInputActiveChannel(l Layer, ch int) bool { return false }

// SimOutputFilenameLayer names the file a layer's output is stored to.
func (n *Net) SimOutputFilenameLayer(l Layer) string {
	return "../sim_results/l" + toSignedString(l.Base().Number, 3) + ".bin"
}

// SimOutputActiveLayer: by default all outputs and intermediates dump.
func (n *Net) SimOutputActiveLayer(l Layer) bool { return true }

func (n *Net) SimOutputFilenameChannel(l Layer, ch int) string {
	return "../sim_results/l" + toSignedString(l.Base().Number, 3) + "_ch" + toSignedString(ch, 4) + ".bin"
}

func (n *Net) SimOutputActiveChannel(l Layer, ch int) bool { return false }

// writeLayerIoConfig emits one layer's descriptor block, shared between
// the input and output config.
func (n *Net) writeLayerIoConfig(w io.Writer, l Layer, in bool) {
	b := l.Base()
	d := &b.OutDim
	fmt.Fprintf(w, "# Layer %s: %s%s\n", l.FullName(), b.IoStr(false, true), d.DetailStr())

	// File input provider: preload this layer's output before execution?
	fmt.Fprint(w, "# ")
	if !(n.RunLayersDecoupled || n.SimInputActiveLayer(l)) {
		fmt.Fprint(w, "!")
	}
	fmt.Fprintf(w, "file load %s: '%s' format ", l.FullName(), n.SimInputFilenameLayer(l))
	if n.FileFormatWithGarbage {
		fmt.Fprintf(w, "%s ", d.MMStr())
	} else {
		fmt.Fprintf(w, "%s ", d.AlgoStr())
	}
	if !b.UseDynamicShape {
		fmt.Fprint(w, "!")
	}
	fmt.Fprint(w, "dynamic_shape\n")
	fmt.Fprint(w, "# ")

	// File output handler: store this layer's output after execution?
	if !(n.RunLayersDecoupled || n.SimOutputActiveLayer(l)) {
		fmt.Fprint(w, "!")
	}
	fmt.Fprintf(w, "file save %s: '%s' format ", l.FullName(), n.SimOutputFilenameLayer(l))
	if n.FileFormatWithGarbage {
		fmt.Fprintf(w, "%s\n", d.MMStr())
	} else {
		fmt.Fprintf(w, "%s\n", d.AlgoStr())
	}

	// Loading/storing of the raw memory block.
	if !(n.RunLayersDecoupled || (in && n.SimInputActiveLayer(l)) || (!in && n.SimOutputActiveLayer(l))) {
		fmt.Fprint(w, "# ")
	}
	fname := n.SimOutputFilenameLayer(l)
	if in {
		fname = n.SimInputFilenameLayer(l)
	}
	fmt.Fprintf(w, "%s 0x%08x ", fname, d.MM.ChannelBase[0])
	if n.FileFormatWithGarbage {
		fmt.Fprintf(w, "%d", uint32(d.Ch)*d.MM.ChSize)
	} else {
		fmt.Fprintf(w, "%d", 2*d.X*d.Y*d.Ch)
		if d.X != d.MM.X {
			// a b: skip b bytes in MM every a bytes.
			fmt.Fprintf(w, " %d %d", 2*d.X, 2*(d.MM.X-d.X))
		}
		if d.Y != d.MM.Y {
			fmt.Fprintf(w, " %d %d", 2*d.Y*d.X, 2*(d.MM.Y-d.Y)*d.MM.X)
		}
	}
	fmt.Fprint(w, "\n")

	// Individual channels; not used by any automated processing.
	for ch := 0; ch < len(d.MM.ChannelBase); ch++ {
		if !((in && n.SimInputActiveChannel(l, ch)) || (!in && n.SimOutputActiveChannel(l, ch))) {
			fmt.Fprint(w, "# ")
		}
		fname := n.SimOutputFilenameChannel(l, ch)
		if in {
			fname = n.SimInputFilenameChannel(l, ch)
		}
		fmt.Fprintf(w, "%s 0x%08x ", fname, d.MM.ChannelBase[ch])
		if n.FileFormatWithGarbage {
			fmt.Fprintf(w, "%d", d.MM.ChSize)
		} else {
			fmt.Fprintf(w, "%d", 2*d.X*d.Y)
			if d.X != d.MM.X {
				fmt.Fprintf(w, " %d %d", 2*d.X, 2*(d.MM.X-d.X))
			}
		}
		fmt.Fprint(w, "\n")
	}
}

func (n *Net) writeConfigHeader(w io.Writer, kind string) {
	fmt.Fprintf(w, "# %s memory map for %s\n", kind, n.Name)
	fmt.Fprint(w, "# Auto-generated by netgen\n")
	fmt.Fprint(w, "# Do not edit this file, overwrite the SimInput*/SimOutput* hooks instead\n")
	fmt.Fprint(w, "# Notes:\n")
	fmt.Fprint(w, "# - shapes are specified in whc order; actual memory layout is chw\n")
	fmt.Fprint(w, "# - '!' denotes 'not' in file load/save and dynamic_shape context\n")
	fmt.Fprint(w, "#\n")
}

// ExportSimInputConfig writes init/input.cfg: blob preloads plus the
// input image map.
func (n *Net) ExportSimInputConfig() error {
	fd, err := n.fopenw(n.InitDir, "input.cfg", "input config")
	if err != nil {
		return err
	}
	defer fd.Close()

	n.writeConfigHeader(fd, "input")

	if n.Arch.MMProgramBase%32 != 0 {
		return fmt.Errorf("%w: program blob load address must be 32 byte aligned", ErrBitWidth)
	}
	fmt.Fprint(fd, "# == CNN descriptor: net, layers, commands (cached memory)\n")
	fmt.Fprintf(fd, "../generated/eisvblob.bin 0x%08x\n", n.Arch.MMProgramBase)
	fmt.Fprint(fd, "#\n")

	fmt.Fprint(fd, "# == weights (uncached memory)\n")
	fmt.Fprintf(fd, "../generated/vproblob.bin 0x%08x\n", n.Arch.MMWeightsBase)
	fmt.Fprint(fd, "#\n")

	fmt.Fprint(fd, "# == Input image(s) (uncached memory)\n")
	for _, l := range n.Layers {
		n.writeLayerIoConfig(fd, l, true)
	}
	return nil
}

// ExportSimOutputConfig writes exit/output.cfg: the output image map.
func (n *Net) ExportSimOutputConfig() error {
	fd, err := n.fopenw(n.ExitDir, "output.cfg", "output config")
	if err != nil {
		return err
	}
	defer fd.Close()

	n.writeConfigHeader(fd, "output")

	fmt.Fprint(fd, "# == Output image(s)\n")
	for _, l := range n.Layers {
		n.writeLayerIoConfig(fd, l, false)
	}
	return nil
}
