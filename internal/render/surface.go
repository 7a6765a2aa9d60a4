// Package render paints the order flow onto a pixel surface.
//
// A Surface is addressed in logical pixels and backed by an RGBA image sized
// by the device pixel ratio. Paths are filled with the anti-aliasing
// rasterizer from golang.org/x/image/vector.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/NpappaG/orderflow-component/internal/geometry"

	"golang.org/x/image/vector"
)

const (
	// MaxDevicePixelRatio bounds the backing image scale.
	MaxDevicePixelRatio = 4

	// circleSegments is the polygon resolution used for particles.
	circleSegments = 20
)

// Canvas is the drawing contract the painter relies on.
type Canvas interface {
	// Size returns the logical width and height.
	Size() (width, height float64)

	// Clear fills the whole canvas with c.
	Clear(c color.Color)

	// FillPath fills the closed polygon through points.
	FillPath(points []geometry.Point, c color.Color)

	// FillCircle fills a circle of radius r centered at p.
	FillCircle(p geometry.Point, r float64, c color.Color)
}

// Surface is a device-pixel-ratio aware RGBA canvas.
type Surface struct {
	width, height float64
	dpr           float64
	img           *image.RGBA
	raster        *vector.Rasterizer
	circle        []geometry.Point
}

// NewSurface creates a surface of the given logical size. The ratio is
// clamped to [1, MaxDevicePixelRatio].
func NewSurface(width, height int, devicePixelRatio float64) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	if devicePixelRatio < 1 || math.IsNaN(devicePixelRatio) {
		devicePixelRatio = 1
	}
	if devicePixelRatio > MaxDevicePixelRatio {
		devicePixelRatio = MaxDevicePixelRatio
	}

	pw := int(math.Round(float64(width) * devicePixelRatio))
	ph := int(math.Round(float64(height) * devicePixelRatio))
	return &Surface{
		width:  float64(width),
		height: float64(height),
		dpr:    devicePixelRatio,
		img:    image.NewRGBA(image.Rect(0, 0, pw, ph)),
		raster: &vector.Rasterizer{},
	}, nil
}

// Size returns the logical size.
func (s *Surface) Size() (float64, float64) {
	return s.width, s.height
}

// DevicePixelRatio returns the backing scale.
func (s *Surface) DevicePixelRatio() float64 {
	return s.dpr
}

// Image returns the backing image. It is overwritten by the next frame.
func (s *Surface) Image() *image.RGBA {
	return s.img
}

// Clear fills the whole surface.
func (s *Surface) Clear(c color.Color) {
	draw.Draw(s.img, s.img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// FillPath fills the polygon through points, given in logical pixels. Only
// the polygon's bounding box is rasterized.
func (s *Surface) FillPath(points []geometry.Point, c color.Color) {
	if len(points) < 3 {
		return
	}
	box := s.bounds(points)
	if box.Empty() {
		return
	}
	s.raster.Reset(box.Dx(), box.Dy())
	s.raster.DrawOp = draw.Over

	ox, oy := float32(box.Min.X), float32(box.Min.Y)
	x, y := s.scale(points[0])
	s.raster.MoveTo(x-ox, y-oy)
	for _, p := range points[1:] {
		x, y = s.scale(p)
		s.raster.LineTo(x-ox, y-oy)
	}
	s.raster.ClosePath()
	// The mask origin lines up with box.Min in the image.
	s.raster.Draw(s.img, box, image.NewUniform(c), image.Point{})
}

// FillCircle fills a circle approximated by a regular polygon.
func (s *Surface) FillCircle(center geometry.Point, r float64, c color.Color) {
	if r <= 0 {
		return
	}
	if cap(s.circle) < circleSegments {
		s.circle = make([]geometry.Point, circleSegments)
	}
	points := s.circle[:circleSegments]
	for i := range points {
		a := 2 * math.Pi * float64(i) / circleSegments
		points[i] = geometry.Point{X: center.X + r*math.Cos(a), Y: center.Y + r*math.Sin(a)}
	}
	s.FillPath(points, c)
}

// bounds returns the device-pixel box covering points, clipped to the image.
func (s *Surface) bounds(points []geometry.Point) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	if math.IsNaN(minX+maxX+minY+maxY) || math.IsInf(minX+maxX+minY+maxY, 0) {
		return image.Rectangle{}
	}
	box := image.Rect(
		int(math.Floor(minX*s.dpr)), int(math.Floor(minY*s.dpr)),
		int(math.Ceil(maxX*s.dpr))+1, int(math.Ceil(maxY*s.dpr))+1,
	)
	return box.Intersect(s.img.Bounds())
}

// PNG encodes the current image.
func (s *Surface) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, s.img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Surface) scale(p geometry.Point) (float32, float32) {
	return float32(p.X * s.dpr), float32(p.Y * s.dpr)
}
