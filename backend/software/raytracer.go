package software

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/rtas/gpucore"
)

// Structure header written into the backing buffer by every build.
const (
	headerMagic = "RTAS"
	headerSize  = 24

	// instanceRecordSize is the size of one top-level instance record.
	instanceRecordSize = 64
)

// DefaultSizeModel estimates sizes linearly in the primitive count.
//
// Triangles cost 64 bytes per primitive, boxes 48 and instances 128, on top
// of a fixed 1 KiB node header. Scratch is 32 bytes per primitive for builds
// and 8 for updates. All sizes are 256-byte aligned.
func DefaultSizeModel(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags,
	geometries []gpucore.Geometry, primitiveCounts []uint32) gpucore.BuildSizes {
	var prims uint64
	for _, c := range primitiveCounts {
		prims += uint64(c)
	}

	per := uint64(64)
	if typ == gpucore.AccelerationStructureTopLevel {
		per = 128
	} else if len(geometries) > 0 && geometries[0].Type == gpucore.GeometryAABBs {
		per = 48
	}

	size := alignUp(1024+prims*per, 256)
	if flags.Has(gpucore.BuildFlagLowMemory) {
		size = alignUp(size*3/4, 256)
	}
	return gpucore.BuildSizes{
		AccelerationStructureSize: size,
		BuildScratchSize:          alignUp(512+prims*32, 256),
		UpdateScratchSize:         alignUp(256+prims*8, 256),
	}
}

// BuildSizes evaluates the configured size model.
func (d *Device) BuildSizes(typ gpucore.AccelerationStructureType, flags gpucore.BuildFlags,
	geometries []gpucore.Geometry, primitiveCounts []uint32) (gpucore.BuildSizes, error) {
	if len(geometries) == 0 {
		return gpucore.BuildSizes{}, fmt.Errorf("%w: no geometries", ErrValidation)
	}
	if len(geometries) != len(primitiveCounts) {
		return gpucore.BuildSizes{}, fmt.Errorf("%w: %d geometries but %d primitive counts",
			ErrValidation, len(geometries), len(primitiveCounts))
	}

	var total uint64
	for i, g := range geometries {
		if typ == gpucore.AccelerationStructureTopLevel && g.Type != gpucore.GeometryInstances {
			return gpucore.BuildSizes{}, fmt.Errorf("%w: top-level geometry %d is %s", ErrValidation, i, g.Type)
		}
		if typ == gpucore.AccelerationStructureBottomLevel && g.Type == gpucore.GeometryInstances {
			return gpucore.BuildSizes{}, fmt.Errorf("%w: bottom-level geometry %d is %s", ErrValidation, i, g.Type)
		}
		total += uint64(primitiveCounts[i])
	}

	limit := d.opts.limits.MaxPrimitiveCount
	if typ == gpucore.AccelerationStructureTopLevel {
		limit = d.opts.limits.MaxInstanceCount
	}
	if limit > 0 && total > limit {
		return gpucore.BuildSizes{}, fmt.Errorf("%w: %d primitives exceed limit %d", ErrValidation, total, limit)
	}

	return d.opts.sizeModel(typ, flags, geometries, primitiveCounts), nil
}

// CreateAccelerationStructure places a structure in a storage buffer.
func (d *Device) CreateAccelerationStructure(desc *gpucore.AccelerationStructureDescriptor) (gpucore.AccelerationStructureID, error) {
	if desc == nil || desc.Size == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: structure size is 0", ErrValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[desc.Buffer]
	if !ok {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer %d", gpucore.ErrUnknownResource, desc.Buffer)
	}
	if !b.desc.Usage.Contains(gpucore.BufferUsageAccelerationStructureStorage) {
		return gpucore.InvalidID, fmt.Errorf("%w: buffer %q lacks ASStorage usage", gpucore.ErrInvalidUsage, b.desc.Label)
	}
	if desc.Offset+desc.Size > b.desc.Size {
		return gpucore.InvalidID, fmt.Errorf("%w: structure range %d+%d exceeds buffer size %d",
			ErrValidation, desc.Offset, desc.Size, b.desc.Size)
	}

	id := gpucore.AccelerationStructureID(d.newID())
	d.structures[id] = &structure{
		desc: *desc,
		addr: b.addr + gpucore.DeviceAddress(desc.Offset),
	}
	return id, nil
}

// DestroyAccelerationStructure releases a structure object.
func (d *Device) DestroyAccelerationStructure(id gpucore.AccelerationStructureID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.structures, id)
}

// AccelerationStructureAddress returns the address of a structure.
func (d *Device) AccelerationStructureAddress(id gpucore.AccelerationStructureID) (gpucore.DeviceAddress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.structures[id]
	if !ok {
		return 0, fmt.Errorf("%w: structure %d", gpucore.ErrUnknownResource, id)
	}
	return s.addr, nil
}

// CmdBuildAccelerationStructures records structure builds.
func (d *Device) CmdBuildAccelerationStructures(cb gpucore.CommandBufferID, infos []gpucore.BuildGeometryInfo, ranges [][]gpucore.BuildRange) {
	for i := range infos {
		info := infos[i]
		info.Geometries = append([]gpucore.Geometry(nil), info.Geometries...)
		var rng []gpucore.BuildRange
		if i < len(ranges) {
			rng = append([]gpucore.BuildRange(nil), ranges[i]...)
		}
		trace := Command{
			Kind:  CommandBuild,
			Type:  info.Type,
			Mode:  info.Mode,
			Src:   uint64(info.Src),
			Dst:   uint64(info.Dst),
			Count: primitiveTotal(rng),
		}
		d.record(cb, trace, func(d *Device) error {
			return d.execBuild(&info, rng)
		})
	}
}

// CmdCopyAccelerationStructure records a structure copy.
func (d *Device) CmdCopyAccelerationStructure(cb gpucore.CommandBufferID, src, dst gpucore.AccelerationStructureID, mode gpucore.CopyMode) {
	trace := Command{Kind: CommandCopyStructure, CopyMode: mode, Src: uint64(src), Dst: uint64(dst)}
	d.record(cb, trace, func(d *Device) error {
		return d.execCopyStructure(src, dst, mode)
	})
}

// CmdResetQueryPool records a query reset.
func (d *Device) CmdResetQueryPool(cb gpucore.CommandBufferID, pool gpucore.QueryPoolID, first, count uint32) {
	trace := Command{Kind: CommandResetQueries, Dst: uint64(pool), Count: int(count)}
	d.record(cb, trace, func(d *Device) error {
		p, ok := d.pools[pool]
		if !ok {
			return fmt.Errorf("%w: query pool %d", gpucore.ErrUnknownResource, pool)
		}
		if int(first)+int(count) > len(p.ready) {
			return fmt.Errorf("%w: query reset %d+%d exceeds pool size %d", ErrValidation, first, count, len(p.ready))
		}
		for i := first; i < first+count; i++ {
			p.ready[i] = false
			p.results[i] = 0
		}
		return nil
	})
}

// CmdWriteCompactedSizes records compacted-size queries.
func (d *Device) CmdWriteCompactedSizes(cb gpucore.CommandBufferID, structures []gpucore.AccelerationStructureID, pool gpucore.QueryPoolID, first uint32) {
	structures = append([]gpucore.AccelerationStructureID(nil), structures...)
	trace := Command{Kind: CommandWriteCompactedSizes, Dst: uint64(pool), Count: len(structures)}
	d.record(cb, trace, func(d *Device) error {
		p, ok := d.pools[pool]
		if !ok {
			return fmt.Errorf("%w: query pool %d", gpucore.ErrUnknownResource, pool)
		}
		if int(first)+len(structures) > len(p.ready) {
			return fmt.Errorf("%w: query write %d+%d exceeds pool size %d", ErrValidation, first, len(structures), len(p.ready))
		}
		for i, id := range structures {
			s, ok := d.structures[id]
			if !ok {
				return fmt.Errorf("%w: structure %d", gpucore.ErrUnknownResource, id)
			}
			if !s.built || !s.flags.Has(gpucore.BuildFlagAllowCompaction) {
				return fmt.Errorf("%w: structure %d not built with AllowCompaction", ErrValidation, id)
			}
			p.results[int(first)+i] = s.compactedSize
			p.ready[int(first)+i] = true
		}
		return nil
	})
}

// CreateQueryPool creates a pool of compacted-size queries.
func (d *Device) CreateQueryPool(count uint32) (gpucore.QueryPoolID, error) {
	if count == 0 {
		return gpucore.InvalidID, fmt.Errorf("%w: query pool of 0 queries", ErrValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := gpucore.QueryPoolID(d.newID())
	d.pools[id] = &queryPool{
		results: make([]uint64, count),
		ready:   make([]bool, count),
	}
	return id, nil
}

// DestroyQueryPool releases a query pool.
func (d *Device) DestroyQueryPool(id gpucore.QueryPoolID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pools, id)
}

// QueryResults reads query results, executing pending work when wait is set.
func (d *Device) QueryResults(pool gpucore.QueryPoolID, first, count uint32, wait bool) ([]uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: query pool %d", gpucore.ErrUnknownResource, pool)
	}
	if int(first)+int(count) > len(p.ready) {
		return nil, fmt.Errorf("%w: query read %d+%d exceeds pool size %d", ErrValidation, first, count, len(p.ready))
	}
	if wait {
		if err := d.drainLocked(len(d.pending)); err != nil {
			return nil, err
		}
	}

	out := make([]uint64, count)
	for i := range out {
		q := int(first) + i
		if !p.ready[q] {
			return nil, fmt.Errorf("%w: query %d", gpucore.ErrQueryNotReady, q)
		}
		out[i] = p.results[q]
	}
	return out, nil
}

func (d *Device) execBuild(info *gpucore.BuildGeometryInfo, ranges []gpucore.BuildRange) error {
	dst, ok := d.structures[info.Dst]
	if !ok {
		return fmt.Errorf("%w: build destination %d", gpucore.ErrUnknownResource, info.Dst)
	}
	if dst.desc.Type != info.Type {
		return fmt.Errorf("%w: %s build into %s structure", ErrValidation, info.Type, dst.desc.Type)
	}
	if len(ranges) != len(info.Geometries) {
		return fmt.Errorf("%w: %d geometries but %d ranges", ErrValidation, len(info.Geometries), len(ranges))
	}

	counts := make([]uint32, len(ranges))
	for i, r := range ranges {
		counts[i] = r.PrimitiveCount
	}
	sizes := d.opts.sizeModel(info.Type, info.Flags, info.Geometries, counts)
	if dst.desc.Size < sizes.AccelerationStructureSize {
		return fmt.Errorf("%w: destination holds %d bytes, build needs %d",
			ErrValidation, dst.desc.Size, sizes.AccelerationStructureSize)
	}

	scratchNeed := sizes.BuildScratchSize
	if info.Mode == gpucore.BuildModeUpdate {
		scratchNeed = sizes.UpdateScratchSize
		src, ok := d.structures[info.Src]
		if !ok {
			return fmt.Errorf("%w: update source %d", gpucore.ErrUnknownResource, info.Src)
		}
		if !src.built || !src.flags.Has(gpucore.BuildFlagAllowUpdate) {
			return fmt.Errorf("%w: update source %d not built with AllowUpdate", ErrValidation, info.Src)
		}
		if src.primitiveCount != primitiveCount32(counts) {
			return fmt.Errorf("%w: update changes primitive count %d -> %d",
				ErrValidation, src.primitiveCount, primitiveCount32(counts))
		}
	}
	if err := d.checkScratch(info.Scratch, scratchNeed); err != nil {
		return err
	}

	for i, g := range info.Geometries {
		if err := d.checkGeometry(g, ranges[i]); err != nil {
			return fmt.Errorf("geometry %d: %w", i, err)
		}
	}

	dst.built = true
	dst.flags = info.Flags
	dst.primitiveCount = primitiveCount32(counts)
	dst.generation++
	dst.compactedSize = d.compactedSize(sizes.AccelerationStructureSize, dst.desc.Size)
	d.writeHeader(dst, info.Mode)
	return nil
}

func (d *Device) checkScratch(addr gpucore.DeviceAddress, need uint64) error {
	if addr == 0 {
		return fmt.Errorf("%w: scratch address is 0", ErrValidation)
	}
	if a := d.opts.limits.ScratchAlignment; a > 0 && uint64(addr)%a != 0 {
		return fmt.Errorf("%w: scratch address 0x%x not %d-byte aligned", ErrValidation, uint64(addr), a)
	}
	b, off, ok := d.resolve(addr)
	if !ok {
		return fmt.Errorf("%w: scratch address 0x%x", gpucore.ErrUnknownResource, uint64(addr))
	}
	if !b.desc.Usage.Contains(gpucore.BufferUsageStorage) {
		return fmt.Errorf("%w: scratch buffer %q lacks Storage usage", ErrValidation, b.desc.Label)
	}
	if off+need > b.desc.Size {
		return fmt.Errorf("%w: scratch needs %d bytes, %d available", ErrValidation, need, b.desc.Size-off)
	}
	return nil
}

func (d *Device) checkGeometry(g gpucore.Geometry, r gpucore.BuildRange) error {
	switch g.Type {
	case gpucore.GeometryTriangles:
		if _, _, ok := d.resolve(g.Triangles.VertexData); !ok {
			return fmt.Errorf("%w: vertex address 0x%x", gpucore.ErrUnknownResource, uint64(g.Triangles.VertexData))
		}
		if _, _, ok := d.resolve(g.Triangles.IndexData); !ok {
			return fmt.Errorf("%w: index address 0x%x", gpucore.ErrUnknownResource, uint64(g.Triangles.IndexData))
		}
	case gpucore.GeometryAABBs:
		if _, _, ok := d.resolve(g.AABBs.Data); !ok {
			return fmt.Errorf("%w: aabb address 0x%x", gpucore.ErrUnknownResource, uint64(g.AABBs.Data))
		}
	case gpucore.GeometryInstances:
		return d.checkInstances(g.Instances.Data, r)
	}
	return nil
}

// checkInstances verifies every instance record references a built
// bottom-level structure.
func (d *Device) checkInstances(addr gpucore.DeviceAddress, r gpucore.BuildRange) error {
	b, off, ok := d.resolve(addr)
	if !ok {
		return fmt.Errorf("%w: instance address 0x%x", gpucore.ErrUnknownResource, uint64(addr))
	}
	off += uint64(r.PrimitiveOffset)
	if off+uint64(r.PrimitiveCount)*instanceRecordSize > b.desc.Size {
		return fmt.Errorf("%w: %d instance records exceed buffer %q", ErrValidation, r.PrimitiveCount, b.desc.Label)
	}

	byAddr := make(map[gpucore.DeviceAddress]*structure, len(d.structures))
	for _, s := range d.structures {
		byAddr[s.addr] = s
	}
	rec := make([]byte, instanceRecordSize)
	for i := uint32(0); i < r.PrimitiveCount; i++ {
		b.read(rec, off+uint64(i)*instanceRecordSize)
		ref := gpucore.DeviceAddress(binary.LittleEndian.Uint64(rec[56:]))
		s, ok := byAddr[ref]
		if !ok || !s.built || s.desc.Type != gpucore.AccelerationStructureBottomLevel {
			return fmt.Errorf("%w: instance %d references 0x%x, not a built bottom-level structure",
				ErrValidation, i, uint64(ref))
		}
	}
	return nil
}

func (d *Device) execCopyStructure(srcID, dstID gpucore.AccelerationStructureID, mode gpucore.CopyMode) error {
	src, ok := d.structures[srcID]
	if !ok {
		return fmt.Errorf("%w: copy source structure %d", gpucore.ErrUnknownResource, srcID)
	}
	dst, ok := d.structures[dstID]
	if !ok {
		return fmt.Errorf("%w: copy destination structure %d", gpucore.ErrUnknownResource, dstID)
	}
	if !src.built {
		return fmt.Errorf("%w: copy source %d was never built", ErrValidation, srcID)
	}

	need := src.desc.Size
	if mode == gpucore.CopyModeCompact {
		if !src.flags.Has(gpucore.BuildFlagAllowCompaction) {
			return fmt.Errorf("%w: compacting copy of %d without AllowCompaction", ErrValidation, srcID)
		}
		need = src.compactedSize
	}
	if dst.desc.Size < need {
		return fmt.Errorf("%w: copy destination holds %d bytes, needs %d", ErrValidation, dst.desc.Size, need)
	}

	dst.built = true
	dst.flags = src.flags
	dst.primitiveCount = src.primitiveCount
	dst.generation = src.generation
	dst.compactedSize = src.compactedSize

	hdr := make([]byte, headerSize)
	d.buffers[src.desc.Buffer].read(hdr, src.desc.Offset)
	d.buffers[dst.desc.Buffer].write(hdr, dst.desc.Offset)
	return nil
}

// compactedSize applies the compaction ratio, never exceeding capacity.
func (d *Device) compactedSize(modelSize, capacity uint64) uint64 {
	c := alignUp(uint64(float64(modelSize)*d.opts.compactionRatio), 256)
	if c < 256 {
		c = 256
	}
	return min(c, capacity)
}

// writeHeader stamps the structure header into its backing buffer.
func (d *Device) writeHeader(s *structure, mode gpucore.BuildMode) {
	b, ok := d.buffers[s.desc.Buffer]
	if !ok {
		return
	}
	hdr := make([]byte, headerSize)
	copy(hdr, headerMagic)
	hdr[4] = byte(s.desc.Type)
	hdr[5] = byte(mode)
	binary.LittleEndian.PutUint32(hdr[8:], s.primitiveCount)
	binary.LittleEndian.PutUint32(hdr[12:], s.generation)
	binary.LittleEndian.PutUint64(hdr[16:], uint64(s.flags))
	b.write(hdr, s.desc.Offset)
}

func primitiveTotal(ranges []gpucore.BuildRange) int {
	n := 0
	for _, r := range ranges {
		n += int(r.PrimitiveCount)
	}
	return n
}

func primitiveCount32(counts []uint32) uint32 {
	var n uint32
	for _, c := range counts {
		n += c
	}
	return n
}
