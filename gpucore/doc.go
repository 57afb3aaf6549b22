// Package gpucore provides the device contract used by the rtas
// acceleration-structure build engine.
//
// This package defines the [Device] interface, which abstracts over the GPU
// implementations the engine can drive:
//   - gogpu/wgpu (Pure Go WebGPU via HAL, with a ray-tracing extension)
//   - the CPU reference device in backend/software
//
// # Architecture
//
// The build engine (batching, compaction, top-level update) is implemented
// once in the rtas package. Thin backends translate between the [Device]
// interface and a concrete API.
//
//	               +-----------------+
//	               |      rtas       |
//	               | (Builder, ...)  |
//	               +--------+--------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| native backend  |          | software backend|
//	|  (hal.Device)   |          |  (host memory)  |
//	+-----------------+          +-----------------+
//
// # Resource Management
//
// GPU objects are referenced via opaque IDs ([BufferID],
// [AccelerationStructureID], [CommandBufferID], ...). The [Device] provides
// creation and destruction methods for each object type. Backends are
// responsible for tracking the mapping between IDs and native objects.
//
// The interface is split into three capability groups so that tests and
// alternative backends can implement only what they need:
//
//   - [BufferAllocator]: allocations, persistent host mappings, device addresses
//   - [CommandQueue]: command buffers, fences, semaphores and submission
//   - [RayTracer]: size queries, structure objects, build/copy commands, queries
//
// # Blocking
//
// Every method either records a command (Cmd* prefix, never blocks) or acts
// immediately. The only blocking calls are [CommandQueue.WaitFence] and
// [RayTracer.QueryResults] with wait set to true.
package gpucore
