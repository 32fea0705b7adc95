// Package gen is the offline network-to-command compiler for the VPRO
// vector-processor array. Given a CNN graph with per-layer parameters and
// quantised weights, it lays out all activation and weight buffers in a
// partitioned main-memory map, decomposes each layer's work into segments
// mappable to the fixed lane grid, emits the typed command stream the
// on-device runtime replays, and serialises program and weights into two
// binary blobs plus the simulator I/O descriptors.
//
// Coarse program flow:
//
//	Net.Generate()
//	    Net.ProcessParams()            // out_dim.(x|y), algorithm padding
//	    Net.DesignMMLayout()           // per-layer SetOutputMMAddr:
//	                                   //   segmentation, DMA padding,
//	                                   //   main-memory image
//	    Net.GenerateLayerExecList()
//	    Net.GenerateVproBlob()         // weights
//	    Net.GenerateEisvBlob()         // program
//	        GenerateCommandSegments() per layer
//	            GenerateSegments()     // map segments to lanes
//	            GenerateCommands()     // double-buffered command stream
//	            CompressCommands()     // broadcasts, blocks, loops
//	    export blobs, dumps and descriptor files
package gen
