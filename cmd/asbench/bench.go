package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gogpu/rtas"
	"github.com/gogpu/rtas/backend/software"
)

// bench is one benchmark run on a fresh software device.
type bench struct {
	cfg *Config
	log *slog.Logger

	dev     *software.Device
	exec    *rtas.Executor
	builder *rtas.Builder
	scene   *scene
}

// structureRow is the telemetry of one bottom-level structure.
type structureRow struct {
	Index       int
	Primitives  uint64
	QueriedSize uint64
	Size        uint64
	Residency   string
}

// timing is the wall time of one named step.
type timing struct {
	Step     string
	Duration time.Duration
}

// result collects everything a run reports.
type result struct {
	Structures []structureRow
	Timings    []timing
	Stats      rtas.Stats

	DeviceSubmissions int
	DeviceLocalBytes  uint64
}

func newBench(cfg *Config, log *slog.Logger) (*bench, error) {
	opts := []software.Option{software.WithCompactionRatio(cfg.Device.CompactionRatio)}
	if cfg.Device.DeviceLocalBudget > 0 {
		opts = append(opts, software.WithDeviceLocalBudget(cfg.Device.DeviceLocalBudget))
	}
	if cfg.Device.Deferred {
		opts = append(opts, software.WithDeferredCompletion())
	}
	dev := software.New(opts...)

	ctx := rtas.NewDeviceContext(dev, rtas.WithFenceTimeout(cfg.Build.FenceTimeout))
	exec := rtas.NewExecutor(ctx)

	sc, err := newScene(ctx, exec, cfg.Scene)
	if err != nil {
		exec.Destroy()
		return nil, fmt.Errorf("creating scene: %w", err)
	}
	b := &bench{
		cfg:     cfg,
		log:     log,
		dev:     dev,
		exec:    exec,
		scene:   sc,
		builder: rtas.NewBuilder(ctx, exec, rtas.WithBatchThreshold(cfg.Build.BatchThreshold), rtas.WithLabel("asbench")),
	}
	log.Debug("scene uploaded", "meshes", cfg.Scene.Meshes, "triangles", cfg.Scene.Triangles)
	return b, nil
}

// Close releases the builder, the scene and the executor.
func (b *bench) Close() {
	b.builder.Destroy()
	b.scene.Destroy()
	b.exec.Destroy()
}

// timed runs fn and appends its wall time to r.
func timed(r *result, step string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	r.Timings = append(r.Timings, timing{Step: step, Duration: time.Since(start)})
	return nil
}

// buildBottomLevel builds one structure per mesh.
func (b *bench) buildBottomLevel(r *result) error {
	inputs, err := b.scene.Inputs()
	if err != nil {
		return err
	}
	return timed(r, "bottom-level build", func() error {
		return b.builder.BuildBottomLevel(inputs, b.cfg.BottomLevelFlags())
	})
}

// buildTopLevel builds the instance grid, then applies the configured
// number of in-place transform updates.
func (b *bench) buildTopLevel(r *result) error {
	instances := gridInstances(b.cfg.Scene.Instances, b.builder.BottomLevelCount())
	if err := timed(r, "top-level build", func() error {
		return b.builder.BuildTopLevel(instances, b.cfg.TopLevelFlags(), false)
	}); err != nil {
		return err
	}
	for frame := range b.cfg.Scene.Updates {
		patches := bobPatches(instances, frame)
		if err := timed(r, fmt.Sprintf("update %d", frame+1), func() error {
			return b.builder.UpdateInstanceTransforms(patches)
		}); err != nil {
			return err
		}
	}
	return nil
}

// collect fills the telemetry part of r.
func (b *bench) collect(r *result) {
	for i := range b.builder.BottomLevelCount() {
		s := b.builder.BottomLevel(i)
		r.Structures = append(r.Structures, structureRow{
			Index:       i,
			Primitives:  s.PrimitiveCount(),
			QueriedSize: s.QueriedSize(),
			Size:        s.Size(),
			Residency:   s.Resource().Residency().String(),
		})
	}
	r.Stats = b.builder.Stats()
	r.DeviceSubmissions = len(b.dev.Submissions())
	r.DeviceLocalBytes = b.dev.DeviceLocalBytes()
}

// runBottomLevel benchmarks bottom-level builds only.
func runBottomLevel(cfg *Config, log *slog.Logger) (*result, error) {
	b, err := newBench(cfg, log)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	r := &result{}
	if err := b.buildBottomLevel(r); err != nil {
		return nil, err
	}
	b.collect(r)
	return r, nil
}

// runTopLevel benchmarks a full scene: bottom-level builds, the top-level
// build and its updates.
func runTopLevel(cfg *Config, log *slog.Logger) (*result, error) {
	b, err := newBench(cfg, log)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	r := &result{}
	if err := b.buildBottomLevel(r); err != nil {
		return nil, err
	}
	if err := b.buildTopLevel(r); err != nil {
		return nil, err
	}
	b.collect(r)
	return r, nil
}
