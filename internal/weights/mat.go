// Package weights holds the immutable per-layer weight matrices (spec.md §3)
// and the minimal self-describing bundle format used to load them outside of
// real GGUF/safetensors parsing (out of scope per spec.md §1).
//
// Grounded on the teacher's internal/tensor/mat.go Mat type; DType is
// replaced with internal/quant.Encoding and row decode is replaced with a
// DotRow method that picks the f32, Q8_0 or Q4_0 kernel from Encoding
// (spec.md §9: "tagged variant with a small interface").
package weights

import (
	"fmt"

	"github.com/carrick-ai/ember/internal/quant"
)

// ErrShapeMismatch is returned when a matrix's rows/cols disagree with the
// Configuration that should describe it.
var ErrShapeMismatch = fmt.Errorf("weights: shape mismatch")

// Mat is a dense row-major matrix of R rows and C columns, stored either as
// f32 (Data populated) or as a quantized byte payload (Raw populated) with
// the given encoding. DotRow switches on Encoding on every call; no kernel
// is bound to the matrix at construction time.
type Mat struct {
	R, C     int
	Encoding quant.Encoding
	Data     []float32
	Raw      []byte
}

// dotRow computes the dot product of row r against x using the strategy
// matching m.Encoding. Exported via (*Mat).DotRow below.
func (m *Mat) dotRow(r int, x []float32) float32 {
	switch m.Encoding {
	case quant.EncodingF32:
		row := m.Data[r*m.C : r*m.C+m.C]
		return dotF32(row, x)
	case quant.EncodingQ8_0:
		return dotQuant(m.Raw, r, m.C, x, 34, quant.DotBlockQ8_0)
	case quant.EncodingQ4_0:
		return dotQuant(m.Raw, r, m.C, x, 18, quant.DotBlockQ4_0)
	default:
		panic(fmt.Sprintf("weights: mat has unrecognized encoding %v", m.Encoding))
	}
}

// DotRow returns the dot product of row r of m against x. Rows always start
// at block boundaries (enforced by NewMatQuantized), so the quantized path
// never needs to handle a block split across two rows.
func (m *Mat) DotRow(r int, x []float32) float32 {
	return m.dotRow(r, x)
}

// Row returns row r decoded to f32 and copied into a slice of length
// wantCols, used for the embedding lookup in spec.md §4.8 step 0 (token_id
// -> embedding lookup), which needs the raw row rather than a dot product.
func (m *Mat) Row(r, wantCols int) []float32 {
	dst := make([]float32, wantCols)
	switch m.Encoding {
	case quant.EncodingF32:
		copy(dst, m.Data[r*m.C:r*m.C+m.C])
	case quant.EncodingQ8_0:
		decodeQuantRow(dst, m.Raw, r, m.C, 34, quant.DequantizeQ8_0Block)
	case quant.EncodingQ4_0:
		decodeQuantRow(dst, m.Raw, r, m.C, 18, quant.DequantizeQ4_0Block)
	default:
		panic(fmt.Sprintf("weights: mat has unrecognized encoding %v", m.Encoding))
	}
	return dst
}

func decodeQuantRow(dst []float32, raw []byte, r, cols, blockBytes int, decodeBlock func(dst []float32, block []byte)) {
	blocksPerRow := (cols + quant.BlockSize - 1) / quant.BlockSize
	rowOff := r * blocksPerRow * blockBytes
	for b := 0; b < blocksPerRow; b++ {
		off := rowOff + b*blockBytes
		block := raw[off : off+blockBytes]
		start := b * quant.BlockSize
		end := start + quant.BlockSize
		if end > cols {
			end = cols
		}
		width := end - start
		if width == quant.BlockSize {
			decodeBlock(dst[start:end], block)
			continue
		}
		var padded [quant.BlockSize]float32
		decodeBlock(padded[:], block)
		copy(dst[start:end], padded[:width])
	}
}

func dotF32(row, x []float32) float32 {
	var sum float32
	n := len(row)
	if len(x) < n {
		n = len(x)
	}
	for j := 0; j < n; j++ {
		sum += row[j] * x[j]
	}
	return sum
}

// dotQuant walks row r's blocks of blockBytes each, dequantizing the trailing
// partial block (when cols is not a multiple of 32) the same way as a full
// block, per spec.md §4.3's edge case.
func dotQuant(raw []byte, r, cols int, x []float32, blockBytes int, dotBlock func(block []byte, x []float32) float32) float32 {
	blocksPerRow := (cols + quant.BlockSize - 1) / quant.BlockSize
	rowOff := r * blocksPerRow * blockBytes
	var sum float32
	for b := 0; b < blocksPerRow; b++ {
		off := rowOff + b*blockBytes
		block := raw[off : off+blockBytes]
		start := b * quant.BlockSize
		end := start + quant.BlockSize
		if end > cols {
			end = cols
		}
		width := end - start
		if width == quant.BlockSize {
			sum += dotBlock(block, x[start:end])
			continue
		}
		// Tail block: pad a local copy of x so the unrolled block decoder
		// still sees 32 lanes, matching spec.md §4.3's edge-case handling.
		var padded [quant.BlockSize]float32
		copy(padded[:width], x[start:end])
		sum += dotBlock(block, padded[:])
	}
	return sum
}

// NewMatF32 wraps a dense row-major f32 slice. len(data) must equal r*c.
func NewMatF32(r, c int, data []float32) (*Mat, error) {
	if r*c != len(data) {
		return nil, fmt.Errorf("%w: expected %d elements, got %d", ErrShapeMismatch, r*c, len(data))
	}
	return &Mat{R: r, C: c, Encoding: quant.EncodingF32, Data: data}, nil
}

// NewMatQuantized wraps a quantized byte payload. cols must be a multiple of
// 32 per spec.md §6's weights contract, and raw must contain exactly
// blocksPerRow*blockBytes*rows bytes — this is the load-time enforcement that
// rows start at block boundaries, referenced by spec.md §4.3.
func NewMatQuantized(r, c int, enc quant.Encoding, raw []byte) (*Mat, error) {
	blockBytes, ok := quant.BlockBytes(enc)
	if !ok {
		return nil, fmt.Errorf("%w: encoding %v has no block layout", quant.ErrUnsupportedQuantization, enc)
	}
	if c%quant.BlockSize != 0 {
		return nil, fmt.Errorf("%w: quantized cols (%d) must be a multiple of %d", ErrShapeMismatch, c, quant.BlockSize)
	}
	blocksPerRow := c / quant.BlockSize
	want := r * blocksPerRow * blockBytes
	if len(raw) != want {
		return nil, fmt.Errorf("%w: expected %d raw bytes for %dx%d %v, got %d", ErrShapeMismatch, want, r, c, enc, len(raw))
	}
	return &Mat{R: r, C: c, Encoding: enc, Raw: raw}, nil
}
