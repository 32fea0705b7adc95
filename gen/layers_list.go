package gen

// All available layer types are registered here; the assertions keep the
// hook set of every variant aligned with the Layer contract.
var (
	_ Layer = (*Input)(nil)
	_ Layer = (*DynamicAxis)(nil)
	_ Layer = (*Conv1D)(nil)
	_ Layer = (*Conv2D)(nil)
	_ Layer = (*Conv2DTranspose)(nil)
	_ Layer = (*MaxPool2D)(nil)
	_ Layer = (*AvgPool2D)(nil)
	_ Layer = (*GlobalAvgPool2D)(nil)
	_ Layer = (*GlobalMaxPool2D)(nil)
	_ Layer = (*Add)(nil)
	_ Layer = (*Mul)(nil)
	_ Layer = (*Concatenate)(nil)
	_ Layer = (*DepthToSpace)(nil)
	_ Layer = (*Reshape)(nil)
	_ Layer = (*SliceChannel)(nil)
	_ Layer = (*ScatterToGrid)(nil)
	_ Layer = (*PointPillars)(nil)
	_ Layer = (*DConvDeform)(nil)
	_ Layer = (*DConvConv)(nil)
)
