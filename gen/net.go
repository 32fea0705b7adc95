package gen

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/vpro-eis/netgen/gen/bif"
)

// Net owns the layer graph and drives the whole compilation: geometry,
// memory layout, per-layer command generation and the binary and textual
// outputs.
type Net struct {
	Name string
	Arch Arch

	Layers        []Layer
	LayerExeclist []int // indices into Layers

	// Independent execution of all layers, useful to identify working and
	// non-working layers; reverses the exec list and preloads all layer
	// outputs with reference data.
	RunLayersDecoupled bool

	// Files contain the same garbage right of/below the image as main
	// memory.
	FileFormatWithGarbage bool

	// Output locations, relative to the working directory.
	GeneratedDir string
	InitDir      string
	ExitDir      string

	mmOutputEnd  uint32
	mmWeightsEnd uint32

	eisvBlob    []byte
	weightsBlob []byte
}

// NewNet creates an empty net for the given hardware.
func NewNet(name string, arch Arch) *Net {
	return &Net{
		Name:                  name,
		Arch:                  arch,
		FileFormatWithGarbage: true,
		GeneratedDir:          "generated",
		InitDir:               "init",
		ExitDir:               "exit",
	}
}

// AddLayer registers a layer; registration order defines the default
// execution order.
func (n *Net) AddLayer(layers ...Layer) {
	for _, l := range layers {
		l.Base().setArch(n.Arch)
		n.Layers = append(n.Layers, l)
	}
}

// ProcessParams normalises all layers in graph order.
func (n *Net) ProcessParams() error {
	for _, l := range n.Layers {
		if err := l.ProcessParams(); err != nil {
			return err
		}
		if len(l.Base().DestLayers) == 0 && !l.Base().OutIsResult {
			logrus.Warnf("layer %s is a leaf but not a CNN output (result goes nowhere)", l.FullName())
		}
	}
	return nil
}

// EisvBlob returns the program blob (after Generate).
func (n *Net) EisvBlob() []byte { return n.eisvBlob }

// WeightsBlob returns the weight blob (after Generate).
func (n *Net) WeightsBlob() []byte { return n.weightsBlob }

// GenerateEisvBlob packs the NET header, all LAYER records with their
// command segments, and the exec list into one relocatable blob.
func (n *Net) GenerateEisvBlob() error {
	logrus.Infof("=================== program blob generation '%s' ===================", n.Name)

	if len(n.LayerExeclist) == 0 {
		return fmt.Errorf("%w: layer execlist is empty", ErrShape)
	}

	// Frontend layer index -> blob layer index (shape-only layers have no
	// binary representation).
	logIdxToBinIdx := make([]uint32, len(n.Layers))

	type layerBlob struct {
		data []byte
	}
	var layerBlobs []layerBlob

	for li, layer := range n.Layers {
		if !layer.Base().ProducesBinaryData {
			continue
		}

		cmds, err := GenerateCommandSegments(layer)
		if err != nil {
			return err
		}
		logrus.Infof("layer %s: %d segments -> %d commands", layer.FullName(), len(layer.Base().Segments), len(cmds))

		var bl bif.LayerHeader
		layer.GenerateBifLayer(&bl)
		bl.CommandSegmentsCount = uint32(len(cmds))

		size := bif.Align(uint32(bif.LayerHeaderSize+len(cmds)*bif.CommandSegmentSize), bif.BlobAlign)
		data := make([]byte, size)
		hdr := bif.EncodeLayerHeader(&bl)
		copy(data, hdr[:])
		for i := range cmds {
			rec := bif.EncodeCommand(&cmds[i])
			copy(data[bif.LayerHeaderSize+i*bif.CommandSegmentSize:], rec[:])
		}

		logIdxToBinIdx[li] = uint32(len(layerBlobs))
		layerBlobs = append(layerBlobs, layerBlob{data: data})
	}

	layerCount := uint32(len(layerBlobs))
	execCount := uint32(len(n.LayerExeclist))

	szNet := bif.Align(uint32(bif.NetHeaderSize)+4*layerCount, bif.BlobAlign)
	szLayers := uint32(0)
	for _, lb := range layerBlobs {
		szLayers += uint32(len(lb.data))
	}
	szExeclist := 4 * execCount

	blobSize := szNet + szLayers + szExeclist
	n.eisvBlob = make([]byte, blobSize)

	hdr := bif.EncodeNetHeader(&bif.NetHeader{
		Magicword:         bif.NetMagicword,
		Blobsize:          blobSize,
		LayerCount:        layerCount,
		LayerExeclistCnt:  execCount,
		LayerExeclistOffs: szNet + szLayers,
	})
	copy(n.eisvBlob, hdr[:])

	offs := szNet
	for i, lb := range layerBlobs {
		binary.LittleEndian.PutUint32(n.eisvBlob[bif.NetHeaderSize+4*i:], offs)
		copy(n.eisvBlob[offs:], lb.data)
		offs += uint32(len(lb.data))
	}
	if offs != szNet+szLayers {
		return fmt.Errorf("%w: blob layout mismatch", ErrBitWidth)
	}

	for xli, li := range n.LayerExeclist {
		binary.LittleEndian.PutUint32(n.eisvBlob[szNet+szLayers+4*uint32(xli):], logIdxToBinIdx[li])
	}

	logrus.Infof("program blob: %d frontend layers, %d layers in blob, %d in execlist, %d byte",
		len(n.Layers), layerCount, execCount, blobSize)
	return nil
}

// GenerateVproBlob packs the weight payloads into one flat byte string at
// their assigned offsets; alignment holes stay zeroed.
func (n *Net) GenerateVproBlob() error {
	minAddr := n.Arch.MMWeightsBase
	maxAddrP1 := uint32(0)
	for _, layer := range n.Layers {
		if !layer.Base().ProducesBinaryData {
			continue
		}
		b := layer.Base()
		if b.MMWeights < minAddr {
			return layerError(layer, ErrMemoryOverflow, "weights below the weight region base")
		}
		end := b.MMWeights + layer.WeightsMMSize()
		if end > maxAddrP1 {
			maxAddrP1 = end
		}
	}

	n.weightsBlob = nil
	if minAddr < maxAddrP1 {
		n.weightsBlob = make([]byte, maxAddrP1-minAddr)
		for _, layer := range n.Layers {
			if !layer.Base().ProducesBinaryData {
				continue
			}
			b := layer.Base()
			for i, w := range b.WeightsPacked {
				binary.LittleEndian.PutUint16(n.weightsBlob[b.MMWeights-minAddr+uint32(2*i):], uint16(w))
			}
		}
	}
	return nil
}

// fopenw creates (or truncates) an output file below dir.
func (n *Net) fopenw(dir, fname, purpose string) (*os.File, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return nil, fmt.Errorf("creating %s directory: %w", purpose, err)
		}
	}
	fd, err := os.Create(filepath.Join(dir, fname))
	if err != nil {
		return nil, fmt.Errorf("opening %s export file: %w", purpose, err)
	}
	return fd, nil
}

func (n *Net) exportBlob(fname, purpose string, blob []byte) error {
	fd, err := n.fopenw(n.GeneratedDir, fname, purpose)
	if err != nil {
		return err
	}
	defer fd.Close()
	if _, err := fd.Write(blob); err != nil {
		return fmt.Errorf("writing %s: %w", purpose, err)
	}
	return nil
}

// ExportEisvBlob writes the program blob.
func (n *Net) ExportEisvBlob() error {
	return n.exportBlob("eisvblob.bin", "program blob", n.eisvBlob)
}

// ExportVproBlob writes the weight blob.
func (n *Net) ExportVproBlob() error {
	return n.exportBlob("vproblob.bin", "weight blob", n.weightsBlob)
}

// Generate runs the full pipeline and writes every output.
func (n *Net) Generate() error {
	if n.RunLayersDecoupled {
		logrus.Warn("run_layers_decoupled is active: layers execute independently in reverse order against preloaded reference data")
	}

	if err := n.ProcessParams(); err != nil {
		return err
	}
	if err := n.LoadLayerWeights(); err != nil {
		return err
	}
	if err := n.DesignMMLayout(); err != nil {
		return err
	}
	n.GenerateLayerExecList()
	n.markHostHandshake()

	logrus.Info(n.LayersInfoText())

	// Segments contain absolute addresses, so the memory layout is final
	// before command generation.
	if err := n.GenerateVproBlob(); err != nil {
		return err
	}
	if err := n.GenerateEisvBlob(); err != nil {
		return err
	}

	if err := n.ExportEisvBlob(); err != nil {
		return err
	}
	if err := n.ExportVproBlob(); err != nil {
		return err
	}
	if err := n.ExportLayersText(); err != nil {
		return err
	}
	if err := n.ExportSegmentsText(); err != nil {
		return err
	}
	if err := n.ExportLaneUsageText(); err != nil {
		return err
	}
	if err := n.ExportCommandsText(); err != nil {
		return err
	}
	if err := n.ExportSimInputConfig(); err != nil {
		return err
	}
	return n.ExportSimOutputConfig()
}
