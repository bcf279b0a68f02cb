package katoid

import (
	"encoding/binary"
	"math"
)

// appendFloat64BE appends the big-endian IEEE-754 bit pattern of v to buf.
func appendFloat64BE(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
}
