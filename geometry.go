package rtas

import (
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// Mesh describes an indexed triangle mesh already resident on the GPU.
// Positions are three float32 components; indices are uint32.
type Mesh struct {
	VertexAddress gpucore.DeviceAddress
	VertexStride  uint64
	VertexCount   uint32

	IndexAddress   gpucore.DeviceAddress
	PrimitiveCount uint32

	// TransformAddress optionally points at a 3x4 row-major float32
	// transform applied at build time. Zero means identity.
	TransformAddress gpucore.DeviceAddress

	// Opaque disables any-hit shaders. Non-opaque meshes are treated as
	// alpha-tested and get at most one any-hit invocation per primitive.
	Opaque bool
}

// BoxSet describes axis-aligned boxes (min xyz, max xyz as float32)
// resident on the GPU, for procedural geometry.
type BoxSet struct {
	Address gpucore.DeviceAddress
	Stride  uint64
	Count   uint32
	Opaque  bool
}

// GeometryInput is the build input of one bottom-level structure.
// It is produced by GeometryInputBuilder and consumed by the first
// Builder.BuildBottomLevel call it is passed to, whether or not that call
// succeeds.
type GeometryInput struct {
	geometries []gpucore.Geometry
	ranges     []gpucore.BuildRange
	flags      gpucore.BuildFlags
	consumed   bool
}

// Geometries returns a copy of the geometry records.
func (g *GeometryInput) Geometries() []gpucore.Geometry {
	return append([]gpucore.Geometry(nil), g.geometries...)
}

// Ranges returns a copy of the per-geometry build ranges.
func (g *GeometryInput) Ranges() []gpucore.BuildRange {
	return append([]gpucore.BuildRange(nil), g.ranges...)
}

// Flags returns the build flags requested by the input.
func (g *GeometryInput) Flags() gpucore.BuildFlags { return g.flags }

// PrimitiveCounts returns the primitive count of each geometry.
func (g *GeometryInput) PrimitiveCounts() []uint32 {
	counts := make([]uint32, len(g.ranges))
	for i, r := range g.ranges {
		counts[i] = r.PrimitiveCount
	}
	return counts
}

// PrimitiveCount returns the total primitive count.
func (g *GeometryInput) PrimitiveCount() uint64 {
	var n uint64
	for _, r := range g.ranges {
		n += uint64(r.PrimitiveCount)
	}
	return n
}

// Consumed reports whether a build call has taken ownership of the input.
func (g *GeometryInput) Consumed() bool { return g.consumed }

// GeometryInputBuilder assembles a GeometryInput.
//
// Validation errors are sticky: the first one is returned by Build.
//
// Example:
//
//	in, err := rtas.NewGeometryInputBuilder().
//	    AddMesh(body).
//	    AddMesh(wheels).
//	    WithFlags(gpucore.BuildFlagPreferFastTrace).
//	    Build()
type GeometryInputBuilder struct {
	geometries []gpucore.Geometry
	ranges     []gpucore.BuildRange
	flags      gpucore.BuildFlags
	err        error
}

// NewGeometryInputBuilder returns an empty builder.
func NewGeometryInputBuilder() *GeometryInputBuilder {
	return &GeometryInputBuilder{}
}

// AddMesh appends a triangle geometry.
func (b *GeometryInputBuilder) AddMesh(m Mesh) *GeometryInputBuilder {
	if b.err != nil {
		return b
	}
	if err := validateMesh(m); err != nil {
		b.err = fmt.Errorf("mesh %d: %w", len(b.geometries), err)
		return b
	}

	b.geometries = append(b.geometries, gpucore.Geometry{
		Type:  gpucore.GeometryTriangles,
		Flags: opacityFlags(m.Opaque),
		Triangles: gpucore.TrianglesData{
			VertexData:    m.VertexAddress,
			VertexStride:  m.VertexStride,
			MaxVertex:     m.VertexCount - 1,
			IndexData:     m.IndexAddress,
			TransformData: m.TransformAddress,
		},
	})
	b.ranges = append(b.ranges, gpucore.BuildRange{PrimitiveCount: m.PrimitiveCount})
	return b
}

// AddBoxes appends a box geometry.
func (b *GeometryInputBuilder) AddBoxes(s BoxSet) *GeometryInputBuilder {
	if b.err != nil {
		return b
	}
	switch {
	case s.Count == 0:
		b.err = fmt.Errorf("box set %d: %w: zero boxes", len(b.geometries), ErrInvalidGeometry)
		return b
	case s.Address == 0:
		b.err = fmt.Errorf("box set %d: %w: zero address", len(b.geometries), ErrInvalidGeometry)
		return b
	case s.Stride < 24:
		b.err = fmt.Errorf("box set %d: %w: stride %d below 24", len(b.geometries), ErrInvalidGeometry, s.Stride)
		return b
	}

	b.geometries = append(b.geometries, gpucore.Geometry{
		Type:  gpucore.GeometryAABBs,
		Flags: opacityFlags(s.Opaque),
		AABBs: gpucore.AABBsData{Data: s.Address, Stride: s.Stride},
	})
	b.ranges = append(b.ranges, gpucore.BuildRange{PrimitiveCount: s.Count})
	return b
}

// WithFlags adds build flags requested by this input. They are combined
// with the flags passed to the build call.
func (b *GeometryInputBuilder) WithFlags(flags gpucore.BuildFlags) *GeometryInputBuilder {
	b.flags |= flags
	return b
}

// Build returns the assembled input.
// A structure holds either triangles or boxes, never both.
func (b *GeometryInputBuilder) Build() (*GeometryInput, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.geometries) == 0 {
		return nil, fmt.Errorf("%w: no geometries", ErrInvalidGeometry)
	}
	for _, g := range b.geometries[1:] {
		if g.Type != b.geometries[0].Type {
			return nil, fmt.Errorf("%w: mixes %s and %s", ErrInvalidGeometry, b.geometries[0].Type, g.Type)
		}
	}
	return &GeometryInput{
		geometries: append([]gpucore.Geometry(nil), b.geometries...),
		ranges:     append([]gpucore.BuildRange(nil), b.ranges...),
		flags:      b.flags,
	}, nil
}

// MeshInput builds the input of a single-mesh structure.
func MeshInput(m Mesh, flags gpucore.BuildFlags) (*GeometryInput, error) {
	return NewGeometryInputBuilder().AddMesh(m).WithFlags(flags).Build()
}

// MeshFromResources describes a mesh stored in two resources. Both need
// gpucore.BufferUsageDeviceAddress and
// gpucore.BufferUsageAccelerationStructureBuildInput.
func MeshFromResources(vertices, indices *Resource, stride uint64, vertexCount, primitiveCount uint32, opaque bool) (Mesh, error) {
	const need = gpucore.BufferUsageDeviceAddress | gpucore.BufferUsageAccelerationStructureBuildInput
	for _, r := range []*Resource{vertices, indices} {
		if !r.Usage().Contains(need) {
			return Mesh{}, fmt.Errorf("rtas: mesh resource %q needs %s: %w", r.Label(), need, ErrMissingUsage)
		}
	}
	if uint64(vertexCount)*stride > vertices.Size() {
		return Mesh{}, fmt.Errorf("%w: %d vertices of stride %d exceed %q", ErrInvalidGeometry, vertexCount, stride, vertices.Label())
	}
	if uint64(primitiveCount)*12 > indices.Size() {
		return Mesh{}, fmt.Errorf("%w: %d triangles exceed %q", ErrInvalidGeometry, primitiveCount, indices.Label())
	}

	va, err := vertices.Address()
	if err != nil {
		return Mesh{}, err
	}
	ia, err := indices.Address()
	if err != nil {
		return Mesh{}, err
	}
	return Mesh{
		VertexAddress:  va,
		VertexStride:   stride,
		VertexCount:    vertexCount,
		IndexAddress:   ia,
		PrimitiveCount: primitiveCount,
		Opaque:         opaque,
	}, nil
}

func validateMesh(m Mesh) error {
	switch {
	case m.PrimitiveCount == 0:
		return fmt.Errorf("%w: zero primitives", ErrInvalidGeometry)
	case m.VertexCount == 0:
		return fmt.Errorf("%w: zero vertices", ErrInvalidGeometry)
	case m.VertexAddress == 0:
		return fmt.Errorf("%w: zero vertex address", ErrInvalidGeometry)
	case m.IndexAddress == 0:
		return fmt.Errorf("%w: zero index address", ErrInvalidGeometry)
	case m.VertexStride < 12:
		return fmt.Errorf("%w: vertex stride %d below 12", ErrInvalidGeometry, m.VertexStride)
	}
	return nil
}

// opacityFlags maps the opacity bit onto geometry flags.
func opacityFlags(opaque bool) gpucore.GeometryFlags {
	if opaque {
		return gpucore.GeometryFlagOpaque
	}
	return gpucore.GeometryFlagNoDuplicateAnyHit
}
