package gen

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// mmAlign rounds a device byte address up; alignment must be a power of
// two.
func mmAlign(a uint32, alignment uint32) uint32 {
	return (a + alignment - 1) &^ (alignment - 1)
}

// DesignMMLayout assigns main-memory space in the two fixed regions:
// layer outputs first (the output of an input layer is the global CNN
// input), then the weight payloads. Allocation is a dumb bump pointer;
// each layer keeps its private output space for program lifetime.
func (n *Net) DesignMMLayout() error {
	outputAddr := n.Arch.MMOutputBase
	for _, layer := range n.Layers {
		outputAddr = mmAlign(outputAddr, 16)
		if err := layer.SetOutputMMAddr(outputAddr); err != nil {
			return err
		}
		outputAddr += layer.OutputMMSize()
	}

	// Absolute weight addresses are baked into command segments, so they
	// must be final before command generation.
	weightsAddr := n.Arch.MMWeightsBase
	if outputAddr > weightsAddr {
		return fmt.Errorf("%w: layer outputs end at 0x%08x, overlapping the weight region at 0x%08x",
			ErrMemoryOverflow, outputAddr, weightsAddr)
	}
	for _, layer := range n.Layers {
		weightsAddr = mmAlign(weightsAddr, 16)
		layer.Base().MMWeights = weightsAddr
		weightsAddr += layer.WeightsMMSize()
	}

	logrus.Infof("memory blocks: outputs 0x%08x .. 0x%08x (%d byte), weights 0x%08x .. 0x%08x (%d byte)",
		n.Arch.MMOutputBase, outputAddr-1, outputAddr-n.Arch.MMOutputBase,
		n.Arch.MMWeightsBase, weightsAddr-1, weightsAddr-n.Arch.MMWeightsBase)

	if outputAddr > n.Arch.MMCeiling || weightsAddr > n.Arch.MMCeiling {
		return fmt.Errorf("%w: allocation exceeds the device-visible ceiling 0x%08x", ErrMemoryOverflow, n.Arch.MMCeiling)
	}
	n.mmOutputEnd = outputAddr
	n.mmWeightsEnd = weightsAddr
	return nil
}

// GenerateLayerExecList orders the layers the runtime executes: by
// default the instantiation order of all layers producing binary data;
// decoupled runs reverse it for independent per-layer testing.
func (n *Net) GenerateLayerExecList() {
	n.LayerExeclist = n.LayerExeclist[:0]
	for i, layer := range n.Layers {
		if layer.Base().ProducesBinaryData {
			n.LayerExeclist = append(n.LayerExeclist, i)
		}
	}
	if n.RunLayersDecoupled {
		for i, j := 0, len(n.LayerExeclist)-1; i < j; i, j = i+1, j-1 {
			n.LayerExeclist[i], n.LayerExeclist[j] = n.LayerExeclist[j], n.LayerExeclist[i]
		}
	}
}

// markHostHandshake flags the last layer (in execution order) reading a
// CNN input and the first producing a CNN output; the device signals the
// host at these points so streaming can overlap.
func (n *Net) markHostHandshake() {
	if len(n.LayerExeclist) == 0 {
		return
	}
	if n.RunLayersDecoupled {
		n.Layers[n.LayerExeclist[0]].Base().FirstLayerProducingOutput = true
		n.Layers[n.LayerExeclist[len(n.LayerExeclist)-1]].Base().LastLayerUsingInput = true
		return
	}

	// Last layer in execution order using a (possibly transitive) CNN
	// input.
searchInput:
	for eli := len(n.LayerExeclist) - 1; eli >= 0; eli-- {
		l := n.Layers[n.LayerExeclist[eli]]
		for _, sl := range l.Base().SrcLayers {
			if sl.Base().IsTransientInputLayer() {
				l.Base().LastLayerUsingInput = true
				break searchInput
			}
		}
	}

	// First layer in execution order writing a CNN output.
	for _, li := range n.LayerExeclist {
		l := n.Layers[li]
		if l.Base().OutIsResult {
			l.Base().FirstLayerProducingOutput = true
			break
		}
	}

	// Sanity: the handshake hangs unless exactly one of each exists.
	nLast, nFirst := 0, 0
	for _, li := range n.LayerExeclist {
		if n.Layers[li].Base().LastLayerUsingInput {
			nLast++
		}
		if n.Layers[li].Base().FirstLayerProducingOutput {
			nFirst++
		}
	}
	if nLast != 1 {
		logrus.Warnf("expecting exactly one last_layer_using_input, execlist contains %d; host handshake and streaming will fail", nLast)
	}
	if nFirst != 1 {
		logrus.Warnf("expecting exactly one first_layer_producing_output, execlist contains %d; host handshake and streaming will fail", nFirst)
	}
}
