// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package scan

// StepOptions controls the adaptive step. The step starts at Min, resets to
// Min after every successful decompression, and is multiplied by Growth after
// every GrowAfter consecutive misses, up to Max.
type StepOptions struct {
	Min       uint32
	Max       uint32
	Growth    uint32
	GrowAfter uint32
}

// DefaultStepOptions returns the default step options.
func DefaultStepOptions() StepOptions {
	return StepOptions{
		Min:       1,
		Max:       64,
		Growth:    2,
		GrowAfter: 8,
	}
}

func (o StepOptions) normalize() StepOptions {
	if o.Min == 0 {
		o.Min = 1
	}
	if o.Max < o.Min {
		o.Max = o.Min
	}
	if o.Growth == 0 {
		o.Growth = 1
	}
	if o.GrowAfter == 0 {
		o.GrowAfter = 1
	}
	return o
}

// stepper is owned by a single worker.
type stepper struct {
	opts   StepOptions
	step   uint32
	misses uint32
}

func newStepper(opts StepOptions) *stepper {
	s := &stepper{opts: opts.normalize()}
	s.reset()
	return s
}

func (s *stepper) reset() {
	s.step = s.opts.Min
	s.misses = 0
}

func (s *stepper) hit() {
	s.reset()
}

func (s *stepper) miss() {
	s.misses++
	if s.misses < s.opts.GrowAfter {
		return
	}
	s.misses = 0
	if next := uint64(s.step) * uint64(s.opts.Growth); next < uint64(s.opts.Max) {
		s.step = uint32(next)
	} else {
		s.step = s.opts.Max
	}
}
