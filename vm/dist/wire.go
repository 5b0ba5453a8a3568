package dist

import (
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode holds CBOR encoding options with canonical mode for
// deterministic encoding: the same program always produces the same
// bytes, so images can be content-addressed or diffed.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalImage serializes a ProgramImage to CBOR bytes.
func MarshalImage(image *ProgramImage) ([]byte, error) {
	return cborEncMode.Marshal(image)
}

// UnmarshalImage deserializes a ProgramImage from CBOR bytes.
func UnmarshalImage(data []byte) (*ProgramImage, error) {
	var image ProgramImage
	if err := cbor.Unmarshal(data, &image); err != nil {
		return nil, fmt.Errorf("dist: unmarshal image: %w", err)
	}
	return &image, nil
}

func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}

func floatFromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}
