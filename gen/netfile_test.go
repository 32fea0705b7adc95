package gen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const miniNet = `
name: mini
layers:
  - name: input
    number: 0
    type: input
    shape: {x: 8, y: 8, ch: 3}
  - name: conv1
    number: 1
    type: conv2d
    sources: [input]
    out_channels: 4
    kernel: 3
    stride: 1
    padding: same
    use_bias: true
    activation: relu
    output: true
`

func writeNetFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "net.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o666))
	return path
}

// GIVEN a minimal description file
// WHEN it is loaded and built
// THEN the graph matches the declaration.
func TestLoadNetSpec_BuildsGraph(t *testing.T) {
	spec, err := LoadNetSpec(writeNetFile(t, miniNet))
	require.NoError(t, err)
	assert.Equal(t, "mini", spec.Name)
	require.Len(t, spec.Layers, 2)

	n, err := BuildNet(spec, DefaultArch())
	require.NoError(t, err)
	require.Len(t, n.Layers, 2)

	conv, ok := n.Layers[1].(*Conv2D)
	require.True(t, ok)
	assert.Equal(t, 3, conv.KernelLength)
	assert.Equal(t, 4, conv.OutDim.Ch)
	assert.True(t, conv.UseBias)
	assert.True(t, conv.OutIsResult)
	require.Len(t, conv.SrcLayers, 1)
	assert.Equal(t, "input", conv.SrcLayers[0].Base().Name)
	require.Len(t, n.Layers[0].Base().DestLayers, 1)
}

// GIVEN a description using the scatter layer
// WHEN it is loaded and built
// THEN the grid parameters reach the layer.
func TestBuildNet_ScatterToGrid(t *testing.T) {
	src := `
name: scatter
layers:
  - name: coords
    number: 0
    type: input
    shape: {x: 100, y: 1, ch: 2}
  - name: features
    number: 1
    type: input
    shape: {x: 100, y: 1, ch: 8}
  - name: scatter
    number: 2
    type: scatter_to_grid
    sources: [coords, features]
    grid: {x_min: 0, x_max: 10, y_min: 0, y_max: 10, res: 1, pool_mode: max, index_shift: 4}
    output: true
`
	spec, err := LoadNetSpec(writeNetFile(t, src))
	require.NoError(t, err)
	n, err := BuildNet(spec, DefaultArch())
	require.NoError(t, err)

	sc, ok := n.Layers[2].(*ScatterToGrid)
	require.True(t, ok)
	assert.Equal(t, 10.0, sc.XMax)
	assert.Equal(t, 1.0, sc.Res)
	assert.Equal(t, ScatterPoolMax, sc.PoolMode)
	assert.Equal(t, int16(4), sc.IndexShift)
	require.Len(t, sc.SrcLayers, 2)

	require.NoError(t, n.ProcessParams())
	assert.Equal(t, 10, sc.OutDim.X)
	assert.Equal(t, 8, sc.OutDim.Ch)
}

// GIVEN a description using the pillar encoder
// WHEN it is loaded and built
// THEN the 1D convolution parameters and the grid geometry are wired.
func TestBuildNet_PointPillars(t *testing.T) {
	src := `
name: pillars
layers:
  - name: features
    number: 0
    type: input
    shape: {x: 64, y: 1, ch: 4}
  - name: grid
    number: 1
    type: input
    shape: {x: 64, y: 1, ch: 1}
  - name: pillars
    number: 2
    type: pointpillars
    sources: [features, grid]
    out_channels: 8
    kernel: 1
    padding: valid
    use_bias: true
    grid: {x_min: 0, x_max: 32, y_min: 0, y_max: 32, res: 0.5}
    output: true
`
	spec, err := LoadNetSpec(writeNetFile(t, src))
	require.NoError(t, err)
	n, err := BuildNet(spec, DefaultArch())
	require.NoError(t, err)

	pp, ok := n.Layers[2].(*PointPillars)
	require.True(t, ok)
	assert.Equal(t, 8, pp.OutDim.Ch)
	assert.Equal(t, PadValid, pp.PaddingMode)
	assert.True(t, pp.UseBias)
	assert.Equal(t, 32.0, pp.XMax)
	assert.Equal(t, 0.5, pp.Res)

	require.NoError(t, n.ProcessParams())
	assert.Equal(t, 64, pp.OutDim.X)
}

// GIVEN a description using the deformable sampling and flat-conv pair
// WHEN it is loaded and built
// THEN both layer types construct with their kernel and offset limits.
func TestBuildNet_DeformableConvPair(t *testing.T) {
	src := `
name: dconv
layers:
  - name: features
    number: 0
    type: input
    shape: {x: 8, y: 8, ch: 2}
  - name: offsets
    number: 1
    type: input
    shape: {x: 16, y: 8, ch: 1}
  - name: deform
    number: 2
    type: dconv_deform
    sources: [features, offsets]
    kernel: 9
    max_offset_x: 3
    max_offset_y: 3
    shifts: {result: 6}
  - name: flatconv
    number: 3
    type: dconv_conv
    sources: [deform]
    out_channels: 4
    kernel: 9
    use_bias: true
    output: true
`
	spec, err := LoadNetSpec(writeNetFile(t, src))
	require.NoError(t, err)
	n, err := BuildNet(spec, DefaultArch())
	require.NoError(t, err)

	deform, ok := n.Layers[2].(*DConvDeform)
	require.True(t, ok)
	assert.Equal(t, 9, deform.KernelSize)
	assert.Equal(t, 3, deform.MaxOffsetX)
	assert.Equal(t, 3, deform.MaxOffsetY)
	assert.Equal(t, int16(6), deform.ResultShiftRight)

	flat, ok := n.Layers[3].(*DConvConv)
	require.True(t, ok)
	assert.Equal(t, 9, flat.KernelLength)
	assert.Equal(t, 4, flat.OutDim.Ch)
	require.Len(t, flat.SrcLayers, 1)
	assert.Same(t, Layer(deform), flat.SrcLayers[0])

	require.NoError(t, n.ProcessParams())
	// deform expands each pixel to the kernel taps; the flat conv folds
	// them back.
	assert.Equal(t, 8*9, deform.OutDim.X)
	assert.Equal(t, 8, flat.OutDim.X)
}

// GIVEN a description with an unknown key
// WHEN it is loaded
// THEN strict decoding rejects it (typos must cause errors).
func TestLoadNetSpec_UnknownKeyFails(t *testing.T) {
	bad := `
name: typo
layers:
  - name: input
    number: 0
    type: input
    shappe: {x: 8, y: 8, ch: 3}
`
	_, err := LoadNetSpec(writeNetFile(t, bad))
	assert.Error(t, err)
}

// GIVEN a layer referencing an undeclared source
// WHEN the graph is built
// THEN the build fails with a helpful message.
func TestBuildNet_UnknownSource(t *testing.T) {
	bad := `
name: dangling
layers:
  - name: conv1
    number: 0
    type: conv2d
    sources: [missing]
    out_channels: 4
`
	spec, err := LoadNetSpec(writeNetFile(t, bad))
	require.NoError(t, err)
	_, err = BuildNet(spec, DefaultArch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestBuildNet_DuplicateName(t *testing.T) {
	bad := `
name: dup
layers:
  - name: a
    number: 0
    type: input
    shape: {x: 4, y: 4, ch: 1}
  - name: a
    number: 1
    type: input
    shape: {x: 4, y: 4, ch: 1}
`
	spec, err := LoadNetSpec(writeNetFile(t, bad))
	require.NoError(t, err)
	_, err = BuildNet(spec, DefaultArch())
	assert.Error(t, err)
}
