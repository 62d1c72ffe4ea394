// Package framerange implements the frame-range algebra of spec §4.8: a
// FrameRange parses one of the single/simple/stepped/inverse-stepped/
// interleaved spec patterns into an ordered, finite integer sequence; a
// FrameSet concatenates comma-separated FrameRanges. get_chunk produces the
// compact spec string for a contiguous slice of a FrameSet (used to fill in
// the #FRAMESPEC# command token, spec §6).
//
// Grounded on original_source/rust/crates/scheduler/src/pipeline/dispatcher/frame_set.rs,
// reworked into idiomatic Go (regexp + ordered dedup via a slice-backed set
// instead of indexmap::IndexSet, since the pack carries no Go equivalent).
package framerange

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	singleFramePattern = regexp.MustCompile(`^(-?\d+)$`)
	simpleRangePattern = regexp.MustCompile(`^(-?\d+)-(-?\d+)$`)
	steppedPattern     = regexp.MustCompile(`^(-?\d+)-(-?\d+)([xy])(-?\d+)$`)
	interleavePattern  = regexp.MustCompile(`^(-?\d+)-(-?\d+):(-?\d+)$`)
)

// FrameRange is a single contiguous or patterned sequence of frame numbers,
// produced by exactly one of the patterns in spec §4.8.
type FrameRange struct {
	frames []int
}

// NewFrameRange parses a single frame-range spec (no commas).
func NewFrameRange(spec string) (*FrameRange, error) {
	frames, err := parseFrameRangeSection(spec)
	if err != nil {
		return nil, err
	}
	return &FrameRange{frames: frames}, nil
}

// Size returns the number of frames.
func (r *FrameRange) Size() int { return len(r.frames) }

// Get returns the frame at index idx, or false if out of bounds.
func (r *FrameRange) Get(idx int) (int, bool) {
	if idx < 0 || idx >= len(r.frames) {
		return 0, false
	}
	return r.frames[idx], true
}

// All returns the full ordered frame sequence.
func (r *FrameRange) All() []int {
	out := make([]int, len(r.frames))
	copy(out, r.frames)
	return out
}

func parseFrameRangeSection(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)

	if m := singleFramePattern.FindStringSubmatch(spec); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid frame number: %s", spec)
		}
		return []int{n}, nil
	}

	if m := simpleRangePattern.FindStringSubmatch(spec); m != nil {
		start, end, err := parseIntPair(m[1], m[2])
		if err != nil {
			return nil, err
		}
		step := 1
		if end < start {
			step = -1
		}
		return intRange(start, end, step), nil
	}

	if m := steppedPattern.FindStringSubmatch(spec); m != nil {
		start, end, err := parseIntPair(m[1], m[2])
		if err != nil {
			return nil, err
		}
		step, err := strconv.Atoi(m[4])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid step in: %s", spec)
		}
		inverse := m[3] == "y"
		return steppedRange(start, end, step, inverse)
	}

	if m := interleavePattern.FindStringSubmatch(spec); m != nil {
		start, end, err := parseIntPair(m[1], m[2])
		if err != nil {
			return nil, err
		}
		step, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, errors.Wrapf(err, "invalid interleave step in: %s", spec)
		}
		return interleavedRange(start, end, step)
	}

	return nil, errors.Errorf("unrecognized frame range syntax: %q", spec)
}

func parseIntPair(a, b string) (int, int, error) {
	start, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid start frame: %s", a)
	}
	end, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "invalid end frame: %s", b)
	}
	return start, end, nil
}

// intRange walks [min(start,end), max(start,end)] in unit steps, keeping
// only values on the (start, abs(step)) residue, then reverses for negative
// step. Matches the Rust get_int_range exactly (including that it is keyed
// off `start`, not `stream_start`, for the modulus).
func intRange(start, end, step int) []int {
	streamStart, streamEnd := start, end
	if step < 0 {
		streamStart, streamEnd = end, start
	}
	absStep := step
	if absStep < 0 {
		absStep = -absStep
	}
	if absStep == 0 {
		absStep = 1
	}

	var out []int
	for cur := streamStart; cur <= streamEnd; cur++ {
		if mod(cur-start, absStep) == 0 {
			out = append(out, cur)
		}
	}
	if step < 0 {
		reverse(out)
	}
	return out
}

func mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func validateStepSign(start, end, step int) error {
	switch {
	case step > 1:
		if end < start {
			return errors.New("end frame may not be less than start frame when using a positive step")
		}
	case step == 0:
		return errors.New("step cannot be zero")
	case step < 0 && end >= start:
		return errors.New("end frame may not be greater than start frame when using a negative step")
	}
	return nil
}

func steppedRange(start, end, step int, inverse bool) ([]int, error) {
	if err := validateStepSign(start, end, step); err != nil {
		return nil, err
	}
	stepped := intRange(start, end, step)
	if !inverse {
		return stepped, nil
	}

	fullStep := 1
	if step < 0 {
		fullStep = -1
	}
	full := intRange(start, end, fullStep)
	steppedSet := make(map[int]struct{}, len(stepped))
	for _, f := range stepped {
		steppedSet[f] = struct{}{}
	}

	var out []int
	for _, f := range full {
		if _, ok := steppedSet[f]; !ok {
			out = append(out, f)
		}
	}
	return out, nil
}

// interleavedRange implements the §4.8 `S-E :K` pattern: union (first-seen
// order preserved) of repeated `S-E x(K, K/2, K/4, ..., ±1)` until the step
// reaches zero.
func interleavedRange(start, end, step int) ([]int, error) {
	if err := validateStepSign(start, end, step); err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	var out []int
	for abs(step) > 0 {
		for _, f := range intRange(start, end, step) {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				out = append(out, f)
			}
		}
		step /= 2
	}
	return out, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// FrameSet is a comma-separated concatenation of FrameRanges (spec §3, §4.8).
type FrameSet struct {
	frames []int
}

// New parses a comma-separated FrameSet spec.
func New(spec string) (*FrameSet, error) {
	var out []int
	for _, section := range strings.Split(spec, ",") {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		frames, err := parseFrameRangeSection(section)
		if err != nil {
			return nil, err
		}
		out = append(out, frames...)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("empty frame set: %q", spec)
	}
	return &FrameSet{frames: out}, nil
}

// Size returns the total number of frames.
func (s *FrameSet) Size() int { return len(s.frames) }

// At returns the frame at index idx, or false if out of range.
func (s *FrameSet) At(idx int) (int, bool) {
	if idx < 0 || idx >= len(s.frames) {
		return 0, false
	}
	return s.frames[idx], true
}

// All returns every frame, in spec order.
func (s *FrameSet) All() []int {
	out := make([]int, len(s.frames))
	copy(out, s.frames)
	return out
}

// GetChunk returns the compact spec string for frames[startIndex :
// startIndex+chunkSize], clipped to the set's length (spec §4.8, §8
// invariant 5).
func (s *FrameSet) GetChunk(startIndex, chunkSize int) (string, error) {
	if startIndex < 0 || startIndex >= len(s.frames) {
		return "", errors.Errorf("startFrameIndex %d is not in range 0-%d", startIndex, len(s.frames)-1)
	}

	if chunkSize == 1 {
		return strconv.Itoa(s.frames[startIndex]), nil
	}

	finalIndex := len(s.frames) - 1
	endIndex := startIndex + chunkSize - 1
	if endIndex > finalIndex {
		endIndex = finalIndex
	}

	return framesToFrameRanges(s.frames[startIndex : endIndex+1]), nil
}

func buildFramePart(start, end, step int) string {
	switch {
	case start == end:
		return strconv.Itoa(start)
	case step == 1:
		return fmt.Sprintf("%d-%d", start, end)
	default:
		return fmt.Sprintf("%d-%dx%d", start, end, step)
	}
}

// framesToFrameRanges converts an ascending-by-construction (but not
// necessarily monotonic — a FrameSet can embed a descending or stepped
// sub-range) frame slice back into a compact comma-separated spec, built
// greedily left to right: runs of a common step become "S-E" or "S-ExK".
// The greedy split does not always yield the shortest possible spec.
func framesToFrameRanges(frames []int) string {
	l := len(frames)
	if l == 0 {
		return ""
	}
	if l == 1 {
		return strconv.Itoa(frames[0])
	}

	var parts []string
	currCount := 1
	currStep := 0
	currStart := frames[0]
	lastFrame := frames[0]

	for _, currFrame := range frames[1:] {
		if currStep == 0 {
			currStep = currFrame - currStart
		}
		newStep := currFrame - lastFrame

		switch {
		case currStep == newStep:
			lastFrame = currFrame
			currCount++
		case currCount == 2 && currStep != 1:
			// two frames at this step won't continue into a third: emit the
			// first as a lone singleton and re-seed the run at the second.
			parts = append(parts, strconv.Itoa(currStart))
			currStep = currFrame - lastFrame
			currStart = lastFrame
			lastFrame = currFrame
		default:
			parts = append(parts, buildFramePart(currStart, lastFrame, currStep))
			currStep = 0
			currStart = currFrame
			lastFrame = currFrame
			currCount = 1
		}
	}

	if currCount == 2 && currStep != 1 {
		parts = append(parts, strconv.Itoa(currStart))
		parts = append(parts, strconv.Itoa(frames[len(frames)-1]))
	} else {
		parts = append(parts, buildFramePart(currStart, frames[len(frames)-1], currStep))
	}

	return strings.Join(parts, ",")
}
