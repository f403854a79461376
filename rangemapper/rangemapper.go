// Package rangemapper implements the range-mapper abstraction of this design:
// "a polymorphic value (input: chunk; output: region)". Concrete mappers
// are owned by the task whose buffer access they describe.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package rangemapper

import "github.com/ridhitbhura/celerity-runtime/region"

// Chunk is the execution chunk handed to a range mapper: a sub-box of the
// task's iteration space plus the task's global size, matching
// original_source/include/ranges.h's `chunk<Dims>`.
type Chunk struct {
	Dims       int
	Offset     region.Point
	Range      region.Point
	GlobalSize region.Point
}

// Box returns the chunk's own iteration-space box.
func (c Chunk) Box() region.Box {
	return region.NewBox(c.Dims, c.Offset, c.Range)
}

// RangeMapper maps an execution chunk to the region of a buffer it
// accesses.
type RangeMapper interface {
	Map(c Chunk) region.Region
}

// Func adapts a plain function to RangeMapper.
type Func func(Chunk) region.Region

func (f Func) Map(c Chunk) region.Region { return f(c) }

// OneToOne maps a chunk to the identical region in the buffer — the
// common case for elementwise kernels.
func OneToOne(dims int) RangeMapper {
	return Func(func(c Chunk) region.Region {
		return region.New(dims, c.Box())
	})
}

// Fixed always maps to the same region regardless of chunk, e.g. for
// broadcast reads of a small shared buffer.
func Fixed(r region.Region) RangeMapper {
	return Func(func(Chunk) region.Region { return r })
}

// Neighborhood maps a chunk to itself grown by margin cells on every side
// in every dimension, clamped to [0, globalSize), for stencil-style
// accesses.
func Neighborhood(dims int, margin int64) RangeMapper {
	return Func(func(c Chunk) region.Region {
		var off, ext region.Point
		for d := 0; d < dims; d++ {
			lo := c.Offset[d] - margin
			if lo < 0 {
				lo = 0
			}
			hi := c.Offset[d] + c.Range[d] + margin
			if c.GlobalSize[d] > 0 && hi > c.GlobalSize[d] {
				hi = c.GlobalSize[d]
			}
			off[d] = lo
			ext[d] = hi - lo
		}
		return region.New(dims, region.NewBox(dims, off, ext))
	})
}

// All maps every chunk to the entire buffer, e.g. for reductions reading
// a whole-buffer accumulator.
func All(dims int, globalSize region.Point) RangeMapper {
	return Func(func(Chunk) region.Region {
		return region.New(dims, region.NewBox(dims, region.Point{}, globalSize))
	})
}
