// Package track models the immutable closed-loop circuit: the segment
// catalog and the derived arc-length -> geometry mapping that the
// physics and controller packages query every tick.
package track

import (
	"math"
	"sort"

	"racekernel/kerrors"
)

// SegmentKind classifies a track segment's geometry.
type SegmentKind string

const (
	Straight    SegmentKind = "straight"
	LeftCorner  SegmentKind = "left_corner"
	RightCorner SegmentKind = "right_corner"
	Chicane     SegmentKind = "chicane"
)

// OvertakingDifficulty labels how contested a segment's overtaking
// zone is. It is descriptive metadata only: no package in the kernel
// reads it (physics, the controller and the event engine's segment
// factor all key off SegmentKind alone).
type OvertakingDifficulty string

const (
	DifficultyNone   OvertakingDifficulty = ""
	DifficultyEasy   OvertakingDifficulty = "easy"
	DifficultyMedium OvertakingDifficulty = "medium"
	DifficultyHard   OvertakingDifficulty = "hard"
)

// Segment is one element of the closed-loop track descriptor.
type Segment struct {
	Kind           SegmentKind
	Length         float64 // m, must be > 0
	Radius         float64 // m; math.Inf(1) for straights
	Banking        float64 // rad
	Camber         float64 // rad
	ElevationDelta float64 // m
	GripMultiplier float64 // 0.9-1.1
	IdealSpeed     float64 // m/s
	InAttackZone   bool

	// DRSZone and OvertakingDifficulty are supplemented, non-physical
	// annotations (SPEC_FULL.md S3.1); InAttackZone remains the sole
	// attack-mode trigger.
	DRSZone              bool
	OvertakingDifficulty OvertakingDifficulty
}

// geomSample is one row of the precomputed arc-length -> geometry
// table, sampled at fixed spacing dsGeom.
type geomSample struct {
	s         float64
	x, y      float64
	heading   float64
	curvature float64
}

// Track is the immutable, read-only circuit descriptor. It is built
// once and shared by every component via a non-owning reference.
type Track struct {
	segments    []Segment
	cumulative  []float64 // cumulative[i] = arc-length at start of segments[i]; len = len(segments)+1
	totalLength float64
	samples     []geomSample
	dsGeom      float64
}

const defaultDsGeom = 1.0    // m, recommended sample spacing (spec.md 4.1)
const closureEpsilon = 1e-2  // rad/m tolerance for the closed-loop check
const gravity = 9.81

// New validates the segment list and builds the derived geometry
// table. It fails with kerrors.KindBadTrack if segments do not close
// (final heading/position mismatch beyond tolerance) or any segment
// has non-positive length.
func New(segments []Segment) (*Track, error) {
	if len(segments) == 0 {
		return nil, kerrors.New(kerrors.KindBadTrack, "track must have at least one segment", nil)
	}

	cumulative := make([]float64, len(segments)+1)
	for i, seg := range segments {
		if seg.Length <= 0 {
			return nil, kerrors.New(kerrors.KindBadTrack, "segment has non-positive length", nil).
				WithContext("segment_index", i)
		}
		if seg.Kind != Straight && seg.Radius <= 0 {
			return nil, kerrors.New(kerrors.KindBadTrack, "cornering segment must have a positive radius", nil).
				WithContext("segment_index", i)
		}
		cumulative[i+1] = cumulative[i] + seg.Length
	}
	totalLength := cumulative[len(segments)]

	t := &Track{
		segments:    append([]Segment(nil), segments...),
		cumulative:  cumulative,
		totalLength: totalLength,
		dsGeom:      defaultDsGeom,
	}

	if err := t.buildGeometry(); err != nil {
		return nil, err
	}
	return t, nil
}

// TotalLength returns the track's closed-loop length in meters.
func (t *Track) TotalLength() float64 {
	return t.totalLength
}

// Segments returns the segment catalog in track order. Callers must
// not mutate the returned slice.
func (t *Track) Segments() []Segment {
	return t.segments
}

// curvatureAt returns the signed curvature at local offset localS
// (0 <= localS < seg.Length) within segment seg.
func curvatureAt(seg Segment, localS float64) float64 {
	switch seg.Kind {
	case Straight:
		return 0
	case LeftCorner:
		return 1 / seg.Radius
	case RightCorner:
		return -1 / seg.Radius
	case Chicane:
		// Two curvature reversals summing to zero: first half turns
		// one way, second half turns the other, by equal arc-length.
		if localS < seg.Length/2 {
			return 1 / seg.Radius
		}
		return -1 / seg.Radius
	default:
		return 0
	}
}

// buildGeometry integrates heading and position along the closed loop
// at fixed arc-length spacing and verifies the closure invariant.
func (t *Track) buildGeometry() error {
	n := int(math.Ceil(t.totalLength/t.dsGeom)) + 1
	samples := make([]geomSample, 0, n)

	x, y, heading := 0.0, 0.0, 0.0
	segIdx := 0
	s := 0.0

	for s < t.totalLength {
		for segIdx+1 < len(t.cumulative) && s >= t.cumulative[segIdx+1] {
			segIdx++
		}
		localS := s - t.cumulative[segIdx]
		curv := curvatureAt(t.segments[segIdx], localS)

		samples = append(samples, geomSample{s: s, x: x, y: y, heading: heading, curvature: curv})

		step := math.Min(t.dsGeom, t.totalLength-s)
		if step <= 0 {
			break
		}
		// Midpoint (RK2) integration of heading/position over the step,
		// split wherever the curvature changes inside it (a segment
		// boundary or a chicane's midpoint) so each piece is integrated
		// with its own curvature.
		for pos, end, k := s, s+step, segIdx; pos < end; {
			for k+1 < len(t.segments) && pos >= t.cumulative[k+1] {
				k++
			}
			seg := t.segments[k]
			next := math.Min(end, t.cumulative[k+1])
			if half := t.cumulative[k] + seg.Length/2; seg.Kind == Chicane && pos < half {
				next = math.Min(next, half)
			}
			c := curvatureAt(seg, pos-t.cumulative[k])
			midHeading := heading + c*(next-pos)/2
			x += math.Cos(midHeading) * (next - pos)
			y += math.Sin(midHeading) * (next - pos)
			heading += c * (next - pos)
			pos = next
		}
		s += step
	}
	// Closing sample at s = totalLength, coincides with s = 0 if the
	// loop closes.
	lastCurv := curvatureAt(t.segments[len(t.segments)-1], t.segments[len(t.segments)-1].Length)
	samples = append(samples, geomSample{s: t.totalLength, x: x, y: y, heading: heading, curvature: lastCurv})

	headingMismatch := math.Mod(heading, 2*math.Pi)
	if headingMismatch > math.Pi {
		headingMismatch -= 2 * math.Pi
	}
	if headingMismatch < -math.Pi {
		headingMismatch += 2 * math.Pi
	}
	posMismatch := math.Hypot(x-samples[0].x, y-samples[0].y)

	if math.Abs(headingMismatch) > closureEpsilon || posMismatch > closureEpsilon*t.totalLength {
		return kerrors.New(kerrors.KindBadTrack, "track segments do not close the loop", nil).
			WithContext("heading_mismatch_rad", headingMismatch).
			WithContext("position_mismatch_m", posMismatch)
	}

	t.samples = samples
	return nil
}

// segmentAt returns the segment index and local offset for arc-length
// s, normalizing s into [0, totalLength) first. O(log n) via binary
// search over the cumulative-length table.
func (t *Track) segmentAt(s float64) (int, float64) {
	s = t.normalize(s)
	idx := sort.Search(len(t.segments), func(i int) bool {
		return t.cumulative[i+1] > s
	})
	if idx >= len(t.segments) {
		idx = len(t.segments) - 1
	}
	return idx, s - t.cumulative[idx]
}

// SegmentAt returns the segment and local offset for arc-length s.
func (t *Track) SegmentAt(s float64) (Segment, float64) {
	idx, local := t.segmentAt(s)
	return t.segments[idx], local
}

// normalize folds s into [0, totalLength).
func (t *Track) normalize(s float64) float64 {
	s = math.Mod(s, t.totalLength)
	if s < 0 {
		s += t.totalLength
	}
	return s
}

// Geometry is the derived (x, y, heading, curvature) at an arc-length.
type Geometry struct {
	X, Y      float64
	Heading   float64
	Curvature float64
}

// GeometryAt looks up the geometry table built at construction, linearly
// interpolating between the two bracketing samples.
func (t *Track) GeometryAt(s float64) Geometry {
	s = t.normalize(s)
	idx := int(s / t.dsGeom)
	if idx >= len(t.samples)-1 {
		idx = len(t.samples) - 2
	}
	a, b := t.samples[idx], t.samples[idx+1]
	span := b.s - a.s
	frac := 0.0
	if span > 0 {
		frac = (s - a.s) / span
	}
	return Geometry{
		X:         a.x + (b.x-a.x)*frac,
		Y:         a.y + (b.y-a.y)*frac,
		Heading:   a.heading + (b.heading-a.heading)*frac,
		Curvature: a.curvature + (b.curvature-a.curvature)*frac,
	}
}

// GripAt returns the segment grip multiplier at arc-length s.
func (t *Track) GripAt(s float64) float64 {
	seg, _ := t.SegmentAt(s)
	return seg.GripMultiplier
}

// IdealSpeedAt returns the baseline target speed at arc-length s.
func (t *Track) IdealSpeedAt(s float64) float64 {
	seg, _ := t.SegmentAt(s)
	return seg.IdealSpeed
}

// InAttackZone reports whether arc-length s lies in an attack-mode zone.
func (t *Track) InAttackZone(s float64) bool {
	seg, _ := t.SegmentAt(s)
	return seg.InAttackZone
}

// CornerSpeedLimit computes the maximum speed sustainable through a
// corner of the given radius under effective grip muEff and banking,
// per spec.md 4.1. Infinite radius (straights) yields vMax.
func CornerSpeedLimit(radius, muEff, banking, vMax float64) float64 {
	if math.IsInf(radius, 1) {
		return vMax
	}
	return math.Sqrt(muEff * gravity * radius * (1 + 0.5*math.Tan(banking)))
}
