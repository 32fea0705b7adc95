package gen

import (
	"errors"
	"fmt"
)

// Error kinds visible to callers. Fatal conditions of the compiler stages
// wrap one of these sentinels so cmd/ can classify without string
// matching; errors from parsing the net description and from creating
// output files carry no sentinel.
var (
	ErrShape          = errors.New("shape mismatch")
	ErrCapacity       = errors.New("capacity overflow")
	ErrMemoryOverflow = errors.New("memory overflow")
	ErrWeightIO       = errors.New("weight file")
	ErrCacheInvalid   = errors.New("segmentation cache invalid")
	ErrBitWidth       = errors.New("bit-width overflow")
)

// layerError prefixes an error with the offending layer's full name so the
// single-line diagnostic identifies it.
func layerError(l Layer, kind error, format string, args ...interface{}) error {
	return fmt.Errorf("layer %s: %w: %s", l.FullName(), kind, fmt.Sprintf(format, args...))
}

// checkFieldWidth guards a derived value against the bit width allocated in
// the binary record.
func checkFieldWidth(l Layer, name string, value, max int) error {
	if value < 0 || value > max {
		return layerError(l, ErrBitWidth, "%s = %d exceeds field limit %d", name, value, max)
	}
	return nil
}
