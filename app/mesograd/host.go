package main

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// hostAttrs describes the machine a run trains on, as slog attributes.
func hostAttrs() []any {
	return []any{
		"cpu", cpuid.CPU.BrandName,
		"cores", cpuid.CPU.PhysicalCores,
		"threads", cpuid.CPU.LogicalCores,
		"avx2", cpuid.CPU.Supports(cpuid.AVX2),
		"arch", runtime.GOARCH,
	}
}

// hostTags labels a checkpoint with the machine that produced it.
func hostTags() []string {
	tags := []string{"arch:" + runtime.GOARCH}
	if cpuid.CPU.BrandName != "" {
		tags = append(tags, "cpu:"+cpuid.CPU.BrandName)
	}
	return tags
}
