package rtas

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/rtas/gpucore"
)

// InstanceRecordSize is the size in bytes of one instance record on the GPU.
//
// Layout (little endian):
//
//	0   float32[12] transform, 3x4 row-major
//	48  uint32      custom index (bits 0-23) | mask (bits 24-31)
//	52  uint32      binding table record offset (bits 0-23) | flags (bits 24-31)
//	56  uint64      bottom-level structure address
const InstanceRecordSize = 64

// maxInstanceField is the largest value of the 24-bit instance fields.
const maxInstanceField = 1<<24 - 1

// InstanceFlags control per-instance traversal behavior.
type InstanceFlags uint8

const (
	// InstanceTriangleFacingCullDisable disables face culling.
	InstanceTriangleFacingCullDisable InstanceFlags = 1 << 0
	// InstanceTriangleFlipFacing swaps front and back faces.
	InstanceTriangleFlipFacing InstanceFlags = 1 << 1
	// InstanceForceOpaque treats every geometry as opaque.
	InstanceForceOpaque InstanceFlags = 1 << 2
	// InstanceForceNoOpaque treats every geometry as non-opaque.
	InstanceForceNoOpaque InstanceFlags = 1 << 3
)

// Instance places one bottom-level structure in the top-level structure.
type Instance struct {
	// BottomLevel is the index of the referenced structure in the builder.
	BottomLevel int

	// Transform is the local-to-world matrix in column-major order
	// (element [c*4+r] is column c, row r). The last row is ignored.
	Transform f32.Mat4

	// CustomIndex is visible to shaders. Only 24 bits are stored.
	CustomIndex uint32

	// Mask is the visibility mask tested against the ray mask.
	Mask uint8

	// SBTRecordOffset selects the hit group record. Only 24 bits are stored.
	SBTRecordOffset uint32

	Flags InstanceFlags
}

// NewInstance returns an instance visible to every ray mask.
func NewInstance(bottomLevel int, transform f32.Mat4) Instance {
	return Instance{
		BottomLevel: bottomLevel,
		Transform:   transform,
		Mask:        0xFF,
	}
}

// Identity returns the 4x4 identity matrix.
func Identity() f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a column-major translation matrix.
func Translation(x, y, z float32) f32.Mat4 {
	m := Identity()
	m[12], m[13], m[14] = x, y, z
	return m
}

// TransformPatch replaces the transform of one instance.
type TransformPatch struct {
	Index     int
	Transform f32.Mat4
}

// wireTransform transposes a column-major 4x4 into the 3x4 row-major
// layout of instance records.
func wireTransform(m f32.Mat4) f32.Aff4 {
	var a f32.Aff4
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a[r*4+c] = m[c*4+r]
		}
	}
	return a
}

// validate checks the fields that have a fixed width on the GPU.
func (inst *Instance) validate(index, bottomLevels int) error {
	if inst.BottomLevel < 0 || inst.BottomLevel >= bottomLevels {
		return fmt.Errorf("instance %d: %w: index %d of %d", index, ErrNoBottomLevel, inst.BottomLevel, bottomLevels)
	}
	if inst.CustomIndex > maxInstanceField {
		return fmt.Errorf("instance %d: %w: custom index %d exceeds 24 bits", index, ErrInvalidInstance, inst.CustomIndex)
	}
	if inst.SBTRecordOffset > maxInstanceField {
		return fmt.Errorf("instance %d: %w: record offset %d exceeds 24 bits", index, ErrInvalidInstance, inst.SBTRecordOffset)
	}
	return nil
}

// encodeInstance writes one record into dst, which must hold
// InstanceRecordSize bytes.
func encodeInstance(dst []byte, inst *Instance, bottomLevel gpucore.DeviceAddress) {
	aff := wireTransform(inst.Transform)
	for i, v := range aff {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
	binary.LittleEndian.PutUint32(dst[48:], inst.CustomIndex&maxInstanceField|uint32(inst.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], inst.SBTRecordOffset&maxInstanceField|uint32(inst.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(bottomLevel))
}
