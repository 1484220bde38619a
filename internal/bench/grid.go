package bench

import (
	"context"
	"fmt"
)

var (
	DefaultSizes      = []int{0, 1, 100, 10000, 100000, 10000000}
	DefaultAllocators = []string{
		"pooled-reference",
		"bytebuffer-reference",
		"pooled-cleaner",
		"bytebuffer-cleaner",
		"heap",
	}
)

// Point is one allocator and message size combination.
type Point struct {
	Allocator string
	Size      int
}

// Grid returns every combination of allocators and sizes, sizes varying
// slowest. Empty inputs take the defaults.
func Grid(allocators []string, sizes []int) []Point {
	if len(allocators) == 0 {
		allocators = DefaultAllocators
	}
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}
	points := make([]Point, 0, len(allocators)*len(sizes))
	for _, size := range sizes {
		for _, a := range allocators {
			points = append(points, Point{Allocator: a, Size: size})
		}
	}
	return points
}

// RunGrid runs base once per point and hands each result to report. It
// stops at the first failing run or when ctx is cancelled.
func (r *Runner) RunGrid(ctx context.Context, base Config, points []Point, report func(Result)) error {
	for _, p := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg := base
		cfg.Allocator = p.Allocator
		cfg.Size = p.Size
		res, err := r.Run(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s size %d: %w", p.Allocator, p.Size, err)
		}
		report(res)
	}
	return nil
}
