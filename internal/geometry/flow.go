// Package geometry computes the parametric shape of the order flow: a glued
// trunk that fans out through a sigmoid into two parallel branches whose
// thickness tracks the buy and sell share.
//
// All coordinates are logical pixels. The flow runs left to right; the buy
// branch bends upward and the sell branch downward.
package geometry

import (
	"math"

	"github.com/NpappaG/orderflow-component/internal/model"
)

const (
	// TrunkEnd is the progress below which both bands stay glued.
	TrunkEnd = 0.22

	// FanEnd is the progress after which the branches run parallel.
	FanEnd = 0.62

	// sigmoidSteepness shapes the fan-out curve.
	sigmoidSteepness = 10.0

	// MinSamples and MaxSamples bound ribbon outline density.
	MinSamples = 30
	MaxSamples = 80
)

// Point is a 2D coordinate.
type Point struct {
	X, Y float64
}

// Layout holds the surface-dependent constants of the flow.
type Layout struct {
	Width, Height float64

	OriginX, EndX float64
	CenterY       float64

	// MaxThickness is the band thickness at share 1.
	MaxThickness float64

	// MinThickness keeps an empty side visible.
	MinThickness float64

	// SpreadUnit is the branch offset per unit of separation scale.
	SpreadUnit float64

	// MaxSpread caps the offset so branches stay on the surface.
	MaxSpread float64
}

// NewLayout derives a layout from the logical surface size.
func NewLayout(width, height float64) Layout {
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	maxThickness := height * 0.28
	return Layout{
		Width:        width,
		Height:       height,
		OriginX:      width * 0.04,
		EndX:         width * 0.96,
		CenterY:      height / 2,
		MaxThickness: maxThickness,
		MinThickness: math.Max(2, height*0.012),
		SpreadUnit:   height * 0.035,
		MaxSpread:    math.Max(0, height/2-maxThickness-height*0.02),
	}
}

// Slice is the cross-section of the flow at one progress value.
type Slice struct {
	T float64
	X float64

	// Offset is the vertical gap each band keeps from the centerline.
	Offset float64

	BuyThickness  float64
	SellThickness float64
}

// BuyCenter returns the vertical center of the buy band.
func (s Slice) BuyCenter(l Layout) float64 {
	return l.CenterY - s.Offset - s.BuyThickness/2
}

// SellCenter returns the vertical center of the sell band.
func (s Slice) SellCenter(l Layout) float64 {
	return l.CenterY + s.Offset + s.SellThickness/2
}

// Edges returns the top and bottom y of side's band.
func (s Slice) Edges(l Layout, side model.Side) (top, bottom float64) {
	if side == model.Buy {
		bottom = l.CenterY - s.Offset
		return bottom - s.BuyThickness, bottom
	}
	top = l.CenterY + s.Offset
	return top, top + s.SellThickness
}

// Thickness returns side's band thickness.
func (s Slice) Thickness(side model.Side) float64 {
	if side == model.Buy {
		return s.BuyThickness
	}
	return s.SellThickness
}

// FanProgress maps t to the normalized separation amount in [0,1]: zero in
// the trunk, a normalized sigmoid through the fan and one beyond it.
func FanProgress(t float64) float64 {
	switch {
	case t <= TrunkEnd:
		return 0
	case t >= FanEnd:
		return 1
	}
	u := (t - TrunkEnd) / (FanEnd - TrunkEnd)
	lo := sigmoid(-sigmoidSteepness / 2)
	hi := sigmoid(sigmoidSteepness / 2)
	return (sigmoid(sigmoidSteepness*(u-0.5)) - lo) / (hi - lo)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Sample computes the flow cross-section at progress t.
func (l Layout) Sample(t, buyShare, separation float64) Slice {
	t = clamp01(t)
	buyShare = clamp01(buyShare)
	if separation < 0 || math.IsNaN(separation) {
		separation = 0
	}

	spread := math.Min(separation*l.SpreadUnit, l.MaxSpread)
	return Slice{
		T:             t,
		X:             l.OriginX + (l.EndX-l.OriginX)*t,
		Offset:        FanProgress(t) * spread,
		BuyThickness:  math.Max(l.MinThickness, buyShare*l.MaxThickness),
		SellThickness: math.Max(l.MinThickness, (1-buyShare)*l.MaxThickness),
	}
}

// Ribbon returns the closed outline of side's band sampled at n points along
// the flow: the top edge left to right followed by the bottom edge right to
// left.
func (l Layout) Ribbon(side model.Side, buyShare, separation float64, n int) []Point {
	if n < MinSamples {
		n = MinSamples
	}
	if n > MaxSamples {
		n = MaxSamples
	}

	outline := make([]Point, 2*n)
	for i := 0; i < n; i++ {
		s := l.Sample(float64(i)/float64(n-1), buyShare, separation)
		top, bottom := s.Edges(l, side)
		outline[i] = Point{X: s.X, Y: top}
		outline[2*n-1-i] = Point{X: s.X, Y: bottom}
	}
	return outline
}

// ParticlePoint places a particle at eased progress along side's band. lane
// in [-0.5,0.5) shifts it across the band, keeping the radius inside.
func (l Layout) ParticlePoint(side model.Side, eased, lane, radius, buyShare, separation float64) Point {
	s := l.Sample(eased, buyShare, separation)

	center := s.SellCenter(l)
	if side == model.Buy {
		center = s.BuyCenter(l)
	}
	room := math.Max(0, s.Thickness(side)-2*radius)
	return Point{X: s.X, Y: center + lane*room}
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
