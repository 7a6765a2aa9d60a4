package render

import (
	"image/color"

	"github.com/NpappaG/orderflow-component/internal/geometry"
	"github.com/NpappaG/orderflow-component/internal/model"
	"github.com/NpappaG/orderflow-component/internal/particles"
)

// DefaultRibbonSamples is the outline density used for each ribbon.
const DefaultRibbonSamples = 60

// Palette holds the frame colors.
type Palette struct {
	Background   color.RGBA
	BuyRibbon    color.RGBA
	SellRibbon   color.RGBA
	BuyParticle  color.RGBA
	SellParticle color.RGBA
}

// DefaultPalette is a dark background with green buys and red sells.
var DefaultPalette = Palette{
	Background:   color.RGBA{R: 0x0b, G: 0x0e, B: 0x14, A: 0xff},
	BuyRibbon:    color.RGBA{R: 0x10, G: 0x5c, B: 0x3c, A: 0xb0},
	SellRibbon:   color.RGBA{R: 0x6e, G: 0x1a, B: 0x22, A: 0xb0},
	BuyParticle:  color.RGBA{R: 0x4a, G: 0xde, B: 0x80, A: 0xe0},
	SellParticle: color.RGBA{R: 0xe0, G: 0x64, B: 0x64, A: 0xe0},
}

// Frame is everything needed to paint one frame.
type Frame struct {
	BuyShare   float64
	Separation float64
	Particles  []particles.Live
}

// Painter draws frames. It holds no per-frame state.
type Painter struct {
	Palette Palette
	Samples int
}

// NewPainter creates a painter with the default palette.
func NewPainter() *Painter {
	return &Painter{Palette: DefaultPalette, Samples: DefaultRibbonSamples}
}

// Paint redraws the full canvas: background, both ribbons, then particles.
func (p *Painter) Paint(c Canvas, f Frame) {
	w, h := c.Size()
	layout := geometry.NewLayout(w, h)

	c.Clear(p.Palette.Background)
	c.FillPath(layout.Ribbon(model.Buy, f.BuyShare, f.Separation, p.Samples), p.Palette.BuyRibbon)
	c.FillPath(layout.Ribbon(model.Sell, f.BuyShare, f.Separation, p.Samples), p.Palette.SellRibbon)

	for _, pt := range f.Particles {
		pos := layout.ParticlePoint(pt.Side, pt.Eased, pt.Lane, pt.Radius, f.BuyShare, f.Separation)
		fill := p.Palette.SellParticle
		if pt.Side == model.Buy {
			fill = p.Palette.BuyParticle
		}
		c.FillCircle(pos, pt.Radius, fadeOut(fill, pt.T))
	}
}

// fadeOut lowers alpha over the last fifth of a particle's life.
func fadeOut(c color.RGBA, t float64) color.RGBA {
	const fadeStart = 0.8
	if t <= fadeStart {
		return c
	}
	k := (1 - t) / (1 - fadeStart)
	// Premultiplied alpha: scale every channel.
	return color.RGBA{
		R: uint8(float64(c.R) * k),
		G: uint8(float64(c.G) * k),
		B: uint8(float64(c.B) * k),
		A: uint8(float64(c.A) * k),
	}
}
