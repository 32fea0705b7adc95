package gen

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// For 1x1 convolutions with stride 1 and one group the 2D image can be
// treated as one flat vector, which frees the segmentation from the
// image geometry: a lane processes a 1D block of input elements for n
// output channels at once. The search below rates all (n, block size)
// combinations by the ratio of compute cycles to DMA transfers and lane
// occupancy; it is brute force and therefore cached on disk keyed by the
// hardware geometry and the layer shape.

// maxEffConfig is the search result (and the cache payload).
type maxEffConfig struct {
	InSize     int // block size
	BlockCount int // blocks to cover all input pixels
	N          int // parallel output channels per lane
	M          int // parallel input channels per lane
	Overcalc   int // excess pixels produced by the last block
	Efficiency float64
}

// maxEffCalc runs the brute-force 1D segmentation search.
type maxEffCalc struct {
	arch Arch
	inX  int
	inY  int
	inC  int
	outC int

	inSize int

	calcEff float64
	hwEff   float64

	final maxEffConfig
}

// blockSizeUpperBound bounds the 1D block size by RF, LM and the beta
// addressing field:
//
//	RF >= bs*n + 2*n   (outputs, kernel + bias per lane)
//	LM/2 >= bs*n       (outputs)
//	LM/4 >= bs*m + 2*n (inputs + kernel + bias)
func (e *maxEffCalc) blockSizeUpperBound(insize, n, m int) int {
	lmMax := minInt(e.arch.LMSize/2/n, (e.arch.LMSize/4-2*n)/m)
	rfMax := -2 * (n - e.arch.RFSize/2) / n
	betaMax := e.arch.MaxBeta()
	return minInt(minInt(rfMax, insize), minInt(lmMax, betaMax))
}

func blockCount(blocksize, inSize int) int { return ceilDiv(inSize, blocksize) }

func blockOverlap(blocksize, blockcount, inSize int) int {
	return blocksize*blockcount - inSize
}

func (e *maxEffCalc) run() {
	e.inSize = e.inX * e.inY

	logrus.Infof("1x1 segmentation search: in %dx%d (%d), channels %d -> %d, %d parallel lanes",
		e.inX, e.inY, e.inSize, e.inC, e.outC, e.arch.ParallelLanes())

	bs := e.blockSizeUpperBound(e.inSize, 1, 1)
	bc := blockCount(bs, e.inSize)
	e.rate(1, 1, bs, bc)

	overcalcCorrection := 1 - float64(blockOverlap(bs, bc, e.inSize))/float64(bs*bc)
	originalEff := e.calcEff * overcalcCorrection * e.hwEff * 100
	e.final = maxEffConfig{
		Efficiency: originalEff,
		N:          1,
		M:          1,
		BlockCount: bc,
		InSize:     bs,
		Overcalc:   blockOverlap(bs, bc, e.inSize),
	}

	m := 1
	evalCount := 0
	maxN := minInt(minInt(e.outC, e.inSize/2), 62)
	for n := 2; n <= maxN; n += 2 {
		for bs := 1; bs <= e.blockSizeUpperBound(e.inSize, n, m); bs++ {
			bc := blockCount(bs, e.inSize)
			e.rate(n, m, bs, bc)
			evalCount++

			overcalcCorrection = 1 - float64(blockOverlap(bs, bc, e.inSize))/float64(bs*bc)
			mergeEff := e.calcEff * overcalcCorrection * e.hwEff * 100
			if mergeEff > e.final.Efficiency {
				e.final = maxEffConfig{
					Efficiency: mergeEff,
					N:          n,
					M:          m,
					BlockCount: bc,
					InSize:     bs,
					Overcalc:   blockOverlap(bs, bc, e.inSize),
				}
			}
		}
	}

	logrus.Infof("1x1 segmentation best result after %d evaluations: n %d, m %d, block size %d, count %d, efficiency %.2f (single-channel baseline %.2f)",
		evalCount, e.final.N, e.final.M, e.final.InSize, e.final.BlockCount, e.final.Efficiency, originalEff)
}

// rate simulates the lane/set packing of one (n, m, block size)
// configuration and derives its compute and occupancy efficiency.
func (e *maxEffCalc) rate(n, m, blockSize, blockcount int) {
	type seg1d struct {
		dummy bool
		outc  int
		x     int
	}

	parallelLanes := e.arch.ParallelLanes()

	totalTransfers := 0
	totalCalcs := 0
	executedCorrect := 0
	executedDummies := 0

	// Seed order mirrors the sorted-x2 segment scheduling.
	var seeds []seg1d
	for cStart := 0; cStart < e.outC; cStart += e.arch.Lanes * n {
		for x := 0; x < blockcount; x++ {
			for ch := cStart; ch < cStart+e.arch.Lanes*n && ch < e.outC; ch++ {
				seeds = append(seeds, seg1d{outc: ch, x: x})
			}
		}
	}

	totalSegs := blockcount * e.inC * e.outC
	appended := 0
	head := 0
	for appended < totalSegs {
		set := make([]seg1d, 0, parallelLanes*n)
		for lane := 0; lane < parallelLanes; lane++ {
			dummyLane := false
			for iter := 0; iter < n; iter++ {
				if len(set) > 0 && head < len(seeds) {
					if seeds[head].x != set[len(set)-1].x {
						// A new block only starts at a unit boundary.
						if iter > 0 || lane%e.arch.Lanes != 0 {
							dummyLane = true
						}
					}
					if dummyLane {
						set = append(set, seg1d{dummy: true})
						continue
					}
				}
				if head == len(seeds) {
					set = append(set, seg1d{dummy: true})
					continue
				}
				set = append(set, seeds[head])
				head++
			}
		}

		for _, s := range set {
			if s.dummy {
				executedDummies++
			} else {
				appended += e.inC
				executedCorrect++
			}
		}

		// Split to clusters for broadcast elimination; transfers count per
		// cluster DMA engine, the slowest one dominates.
		clusterLists := make([][]seg1d, e.arch.Clusters)
		perCluster := n * e.arch.Units * e.arch.Lanes
		for i, s := range set {
			if s.dummy && i > 0 {
				continue
			}
			cl := minInt(i/perCluster, e.arch.Clusters-1)
			clusterLists[cl] = append(clusterLists[cl], s)
		}

		maxDMALength := 0
		for _, list := range clusterLists {
			// Unique (x, outc): kernel broadcasts already merged.
			uniq := map[[2]int]bool{}
			for _, s := range list {
				if !s.dummy {
					uniq[[2]int{s.x, s.outc}] = true
				}
			}
			length := len(uniq) * e.inC   // kernels
			length += len(uniq) * blockSize // stores
			length += len(uniq)             // bias

			// Unique x only: input broadcasts merged.
			uniqX := map[int]bool{}
			for _, s := range list {
				if !s.dummy {
					uniqX[s.x] = true
				}
			}
			length += len(uniqX) * blockSize * e.inC // inputs

			if length >= maxDMALength {
				maxDMALength = length
			}
		}

		totalTransfers += maxDMALength
		totalCalcs += e.inC * blockSize * n
	}

	e.calcEff = 100 * float64(totalCalcs) / float64(parallelLanes) / float64(totalTransfers)
	e.hwEff = float64(executedCorrect) / float64(executedDummies+executedCorrect)
}

// conv1x1CacheFilename keys the cached search result on everything that changes
// it.
func conv1x1CacheFilename(cacheDir string, a Arch, inMMX, inY, inC, outC int) string {
	return filepath.Join(cacheDir, fmt.Sprintf("conv2d1x1_segmentation_%dc%du%dl_%dx%dx%d_%d.bin",
		a.Clusters, a.Units, a.Lanes, inMMX, inY, inC, outC))
}

// conv1x1CacheDir is where cached search results live; overridable by the
// CLI.
var conv1x1CacheDir = "cache"

// SetConv1x1CacheDir redirects the segmentation cache (empty disables it).
func SetConv1x1CacheDir(dir string) { conv1x1CacheDir = dir }

const conv1x1CacheBytes = 6 * 8

func writeConv1x1Cache(fname string, cfg maxEffConfig) {
	if err := os.MkdirAll(filepath.Dir(fname), 0o777); err != nil {
		logrus.Warnf("could not create cache directory for '%s': %v", fname, err)
		return
	}
	buf := make([]byte, conv1x1CacheBytes)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], uint64(cfg.InSize))
	le.PutUint64(buf[8:], uint64(cfg.BlockCount))
	le.PutUint64(buf[16:], uint64(cfg.N))
	le.PutUint64(buf[24:], uint64(cfg.M))
	le.PutUint64(buf[32:], uint64(cfg.Overcalc))
	le.PutUint64(buf[40:], uint64(int64(cfg.Efficiency*1e6)))
	if err := os.WriteFile(fname, buf, 0o666); err != nil {
		logrus.Warnf("could not write segmentation cache '%s': %v", fname, err)
	}
}

func readConv1x1Cache(fname string) (maxEffConfig, bool, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return maxEffConfig{}, false, nil
		}
		return maxEffConfig{}, false, fmt.Errorf("%w: reading '%s': %v", ErrCacheInvalid, fname, err)
	}
	if len(raw) != conv1x1CacheBytes {
		// Unknown cache layout: treat as invalid; the error fails the layer.
		return maxEffConfig{}, false, fmt.Errorf("%w: '%s' has %d byte, expected %d", ErrCacheInvalid, fname, len(raw), conv1x1CacheBytes)
	}
	le := binary.LittleEndian
	cfg := maxEffConfig{
		InSize:     int(le.Uint64(raw[0:])),
		BlockCount: int(le.Uint64(raw[8:])),
		N:          int(le.Uint64(raw[16:])),
		M:          int(le.Uint64(raw[24:])),
		Overcalc:   int(le.Uint64(raw[32:])),
		Efficiency: float64(int64(le.Uint64(raw[40:]))) / 1e6,
	}
	if cfg.InSize <= 0 || cfg.BlockCount <= 0 || cfg.N <= 0 || cfg.M <= 0 {
		return maxEffConfig{}, false, fmt.Errorf("%w: '%s' holds implausible values", ErrCacheInvalid, fname)
	}
	return cfg, true, nil
}

// segment1x1FastPath tries the equivalent-1D formulation. It reports
// whether the fast path took effect; with n == 1 the regular 2D
// enumeration remains the better schedule.
func (c *Conv2D) segment1x1FastPath() (bool, error) {
	var cfg maxEffConfig

	if c.OutchannelParallelism > 0 {
		// Manual parametrisation by the layer.
		cfg = maxEffConfig{
			InSize:     c.OutchannelBlockSize,
			BlockCount: blockCount(c.OutchannelBlockSize, c.InDim(0).MM.X*c.InDim(0).Y),
			N:          c.OutchannelParallelism,
			M:          1,
			Overcalc:   blockOverlap(c.OutchannelBlockSize, blockCount(c.OutchannelBlockSize, c.InDim(0).MM.X*c.InDim(0).Y), c.InDim(0).MM.X*c.InDim(0).Y),
		}
	} else if conv1x1CacheDir != "" {
		fname := conv1x1CacheFilename(conv1x1CacheDir, c.arch, c.InDim(0).MM.X, c.InDim(0).Y, c.InDim(0).Ch, c.OutDim.Ch)
		cached, hit, err := readConv1x1Cache(fname)
		if err != nil {
			return false, layerError(c, ErrCacheInvalid, "%v", err)
		}
		if hit {
			cfg = cached
		} else {
			eval := &maxEffCalc{arch: c.arch, inX: c.InDim(0).MM.X, inY: c.InDim(0).Y, inC: c.InDim(0).Ch, outC: c.OutDim.Ch}
			eval.run()
			cfg = eval.final
			writeConv1x1Cache(fname, cfg)
		}
	} else {
		eval := &maxEffCalc{arch: c.arch, inX: c.InDim(0).MM.X, inY: c.InDim(0).Y, inC: c.InDim(0).Ch, outC: c.OutDim.Ch}
		eval.run()
		cfg = eval.final
	}

	if cfg.N <= 1 {
		return false, nil
	}

	c.Seg.Num.X = cfg.BlockCount
	c.Seg.Num.Y = 1
	c.Seg.In.W = cfg.InSize
	c.Seg.In.H = 1
	c.Seg.In.XStride = c.Seg.In.W
	c.Seg.In.YStride = 0 // 1D: y is always 1

	c.Seg.Out.W = cfg.InSize
	c.Seg.Out.H = 1
	c.Seg.Out.XStride = c.Seg.Out.W
	c.Seg.Out.YStride = 0

	c.ParallelOutchannelsPerLane = cfg.N
	c.ParallelInchannelsPerLane = cfg.M

	c.overcalcElements1D = cfg.Overcalc

	c.Cfg.SchedulingOrder = IterateSortedX2
	c.convSegW = c.Seg.Out.W // no pool, no upsample on this path
	c.convSegH = c.Seg.Out.H
	c.Padding.Enabled = false // padding only works for 2D input
	return true, nil
}
