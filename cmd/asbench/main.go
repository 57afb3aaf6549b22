// Command asbench benchmarks acceleration structure builds on the software
// reference device.
//
// Usage:
//
//	asbench blas --meshes 64 --triangles 100000 --compact
//	asbench tlas --instances 4096 --updates 30
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
