package domain

import (
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EmbeddingDim is the width of every stored embedding.
const EmbeddingDim = 512

// NormTolerance bounds |norm-1| for a stored embedding.
const NormTolerance = 1e-4

// Vector is a float32 embedding stored as a fixed-length little-endian blob:
// a uint32 dimension header followed by dim float32 values.
type Vector []float32

// GormDataType maps Vector to a binary column (bytea on postgres, blob on sqlite).
func (Vector) GormDataType() string {
	return "bytes"
}

// Value implements the driver.Valuer interface for database serialization.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return v.MarshalBinary()
}

// Scan implements the sql.Scanner interface for database deserialization.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan Vector: expected []byte")
	}
	return v.UnmarshalBinary(b)
}

// MarshalBinary encodes the vector with its dimension header.
func (v Vector) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+4*len(v))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(v)))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(f))
	}
	return buf, nil
}

// UnmarshalBinary decodes a blob written by MarshalBinary.
func (v *Vector) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("vector blob too short: %d bytes", len(b))
	}
	dim := int(binary.LittleEndian.Uint32(b[:4]))
	if len(b) != 4+4*dim {
		return fmt.Errorf("vector blob length %d does not match dimension %d", len(b), dim)
	}
	out := make(Vector, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4+4*i:]))
	}
	*v = out
	return nil
}

// Norm returns the L2 norm.
func (v Vector) Norm() float64 {
	var s float64
	for _, f := range v {
		s += float64(f) * float64(f)
	}
	return math.Sqrt(s)
}

// Normalized returns a unit-length copy. A zero vector is returned unchanged.
func (v Vector) Normalized() Vector {
	n := v.Norm()
	out := make(Vector, len(v))
	if n == 0 {
		copy(out, v)
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

// Dot returns the inner product. Both vectors must have the same length.
func (v Vector) Dot(o Vector) float64 {
	var s float64
	for i := range v {
		s += float64(v[i]) * float64(o[i])
	}
	return s
}

// IsUnit reports whether the vector satisfies the stored-embedding norm invariant.
func (v Vector) IsUnit() bool {
	return math.Abs(v.Norm()-1) < NormTolerance
}

// MeanNormalized averages vectors and renormalizes the result to unit length.
// Returns nil when vs is empty.
func MeanNormalized(vs []Vector) Vector {
	if len(vs) == 0 {
		return nil
	}
	acc := make([]float64, len(vs[0]))
	for _, v := range vs {
		for i, f := range v {
			acc[i] += float64(f)
		}
	}
	out := make(Vector, len(acc))
	for i, s := range acc {
		out[i] = float32(s / float64(len(vs)))
	}
	return out.Normalized()
}
