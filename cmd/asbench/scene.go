package main

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/rtas"
	"github.com/gogpu/rtas/gpucore"
)

const (
	vertexStride = 12
	indexSize    = 4

	// instanceSpacing separates instances on the grid.
	instanceSpacing = 4
)

// sceneUsage lets mesh data be uploaded and consumed by builds.
const sceneUsage = gpucore.BufferUsageDeviceAddress |
	gpucore.BufferUsageAccelerationStructureBuildInput |
	gpucore.BufferUsageCopyDst

// scene owns the device-local vertex and index data of synthetic meshes.
type scene struct {
	resources []*rtas.Resource
	meshes    []rtas.Mesh
}

// newScene uploads cfg.Meshes triangle grids of cfg.Triangles triangles.
// Every third mesh is alpha-tested.
func newScene(ctx rtas.DeviceContext, exec *rtas.Executor, cfg SceneConfig) (*scene, error) {
	s := &scene{}
	for i := range cfg.Meshes {
		m, err := s.addMesh(ctx, exec, i, uint32(cfg.Triangles), i%3 != 2)
		if err != nil {
			s.Destroy()
			return nil, err
		}
		s.meshes = append(s.meshes, m)
	}
	return s, nil
}

func (s *scene) addMesh(ctx rtas.DeviceContext, exec *rtas.Executor, n int, triangles uint32, opaque bool) (rtas.Mesh, error) {
	vertexData, indexData := triangleGrid(triangles, float32(n))

	vertices, err := s.upload(ctx, exec, fmt.Sprintf("mesh%d-vertices", n), vertexData)
	if err != nil {
		return rtas.Mesh{}, err
	}
	indices, err := s.upload(ctx, exec, fmt.Sprintf("mesh%d-indices", n), indexData)
	if err != nil {
		return rtas.Mesh{}, err
	}
	return rtas.MeshFromResources(vertices, indices, vertexStride, triangles*3, triangles, opaque)
}

func (s *scene) upload(ctx rtas.DeviceContext, exec *rtas.Executor, label string, data []byte) (*rtas.Resource, error) {
	r, err := rtas.NewResource(ctx, exec, &rtas.ResourceDescriptor{
		Label:     label,
		Size:      uint64(len(data)),
		Usage:     sceneUsage,
		Residency: gpucore.ResidencyDeviceLocal,
	})
	if err != nil {
		return nil, err
	}
	s.resources = append(s.resources, r)
	if err := r.Write(data, 0); err != nil {
		return nil, fmt.Errorf("upload %s: %w", label, err)
	}
	return r, nil
}

// Inputs returns fresh geometry inputs, one per mesh.
func (s *scene) Inputs() ([]*rtas.GeometryInput, error) {
	inputs := make([]*rtas.GeometryInput, len(s.meshes))
	for i, m := range s.meshes {
		in, err := rtas.MeshInput(m, 0)
		if err != nil {
			return nil, fmt.Errorf("mesh %d: %w", i, err)
		}
		inputs[i] = in
	}
	return inputs, nil
}

// Destroy releases all mesh data.
func (s *scene) Destroy() {
	for _, r := range s.resources {
		r.Destroy()
	}
	s.resources = nil
}

// triangleGrid lays out n right triangles on a square grid in the z = depth
// plane. Vertices are not shared.
func triangleGrid(n uint32, depth float32) (vertices, indices []byte) {
	side := uint32(math.Ceil(math.Sqrt(float64(n))))
	vertices = make([]byte, 0, int(n)*3*vertexStride)
	indices = make([]byte, 0, int(n)*3*indexSize)

	for t := range n {
		x, y := float32(t%side), float32(t/side)
		corners := [3]f32.Vec3{
			{x, y, depth},
			{x + 1, y, depth},
			{x, y + 1, depth},
		}
		for _, c := range corners {
			for _, v := range c {
				vertices = binary.LittleEndian.AppendUint32(vertices, math.Float32bits(v))
			}
		}
		for k := range uint32(3) {
			indices = binary.LittleEndian.AppendUint32(indices, t*3+k)
		}
	}
	return vertices, indices
}

// gridInstances places n instances on a square grid, cycling through the
// bottom-level structures.
func gridInstances(n, bottomLevels int) []rtas.Instance {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	out := make([]rtas.Instance, n)
	for i := range out {
		x := float32(i%side) * instanceSpacing
		z := float32(i/side) * instanceSpacing
		out[i] = rtas.NewInstance(i%bottomLevels, rtas.Translation(x, 0, z))
		out[i].CustomIndex = uint32(i)
	}
	return out
}

// bobPatches lifts every instance by a frame-dependent height.
func bobPatches(instances []rtas.Instance, frame int) []rtas.TransformPatch {
	patches := make([]rtas.TransformPatch, len(instances))
	for i, inst := range instances {
		m := inst.Transform
		m[13] = float32(math.Sin(float64(frame+i) * 0.5))
		patches[i] = rtas.TransformPatch{Index: i, Transform: m}
	}
	return patches
}
