package transform

import (
	"image"
	"image/color"
	"math"
)

const maxZoom = 10

// Geometry is the concrete pixel work for one geometric operation, applied
// as crop, then resample, then pad. Zero fields mean "no such step".
type Geometry struct {
	Skip bool
	// Crop is the region of the current raster to keep.
	Crop image.Rectangle
	// Scale is the size the kept region is resampled to.
	Scale image.Point
	// Canvas is the final raster size; the scaled region is placed at
	// Offset on a canvas filled with Fill.
	Canvas image.Point
	Offset image.Point
	Fill   color.NRGBA
}

var skip = Geometry{Skip: true}

// Size is the raster size after g is applied to a raster of size cur.
func (g Geometry) Size(cur image.Point) image.Point {
	if g.Skip {
		return cur
	}
	out := cur
	if !g.Crop.Empty() {
		out = g.Crop.Size()
	}
	if g.Scale != (image.Point{}) {
		out = g.Scale
	}
	if g.Canvas != (image.Point{}) {
		out = g.Canvas
	}
	return out
}

// Resolve computes the geometry of op for a raster of size cur. content is
// the detected non-border region and is only consulted for Unletterbox.
// Unreachable targets resolve to a skip.
func Resolve(op Operation, cur image.Point, content image.Rectangle) Geometry {
	if cur.X < 1 || cur.Y < 1 {
		return skip
	}
	switch o := op.(type) {
	case SetWidth:
		if o.Pixels <= 0 || o.Pixels >= cur.X {
			return skip
		}
		return Geometry{Scale: image.Pt(o.Pixels, max(1, cur.Y*o.Pixels/cur.X))}
	case SetHeight:
		if o.Pixels <= 0 || o.Pixels >= cur.Y {
			return skip
		}
		return Geometry{Scale: image.Pt(max(1, cur.X*o.Pixels/cur.Y), o.Pixels)}
	case Crop:
		return resolveCrop(o, cur)
	case ResizeAndCrop:
		return resolveCover(o.W.Resolve(cur.X, Pixels), o.H.Resolve(cur.Y, Pixels), cur)
	case FitInBox:
		scale, ok := contain(o.W.Resolve(cur.X, Pixels), o.H.Resolve(cur.Y, Pixels), cur)
		if !ok || scale == cur {
			return skip
		}
		return Geometry{Scale: scale}
	case Letterbox:
		return resolveLetterbox(o, cur)
	case Unletterbox:
		return resolveUnletterbox(o, cur, content)
	case Zoom:
		return resolveZoom(o.Factor, cur)
	default:
		return skip
	}
}

func resolveCrop(o Crop, cur image.Point) Geometry {
	x := o.X.Resolve(cur.X, Percent)
	y := o.Y.Resolve(cur.Y, Percent)
	w := o.W.Resolve(cur.X, Percent)
	h := o.H.Resolve(cur.Y, Percent)
	if w <= 0 || h <= 0 {
		return skip
	}
	full := image.Rectangle{Max: cur}
	r := image.Rect(x, y, x+w, y+h).Intersect(full)
	if r.Empty() || r == full {
		return skip
	}
	return Geometry{Crop: r}
}

func resolveCover(w, h int, cur image.Point) Geometry {
	if w <= 0 || h <= 0 {
		return skip
	}
	if w > cur.X || h > cur.Y {
		f := math.Min(float64(cur.X)/float64(w), float64(cur.Y)/float64(h))
		w = max(1, int(float64(w)*f))
		h = max(1, int(float64(h)*f))
	}

	s := math.Max(float64(w)/float64(cur.X), float64(h)/float64(cur.Y))
	cw := min(cur.X, max(1, int(math.Round(float64(w)/s))))
	ch := min(cur.Y, max(1, int(math.Round(float64(h)/s))))
	x0 := (cur.X - cw) / 2
	y0 := (cur.Y - ch) / 2

	g := Geometry{Scale: image.Pt(w, h)}
	if cw != cur.X || ch != cur.Y {
		g.Crop = image.Rect(x0, y0, x0+cw, y0+ch)
	}
	if g.Crop.Empty() && g.Scale == cur {
		return skip
	}
	return g
}

// contain returns the size of cur fitted into a w×h box, never enlarging.
func contain(w, h int, cur image.Point) (image.Point, bool) {
	if w <= 0 || h <= 0 {
		return image.Point{}, false
	}
	if cur.X <= w && cur.Y <= h {
		return cur, true
	}
	s := math.Min(float64(w)/float64(cur.X), float64(h)/float64(cur.Y))
	return image.Pt(
		max(1, int(math.Round(float64(cur.X)*s))),
		max(1, int(math.Round(float64(cur.Y)*s))),
	), true
}

func resolveLetterbox(o Letterbox, cur image.Point) Geometry {
	w := min(o.W.Resolve(cur.X, Pixels), MaxDimension)
	h := min(o.H.Resolve(cur.Y, Pixels), MaxDimension)
	inner, ok := contain(w, h, cur)
	if !ok {
		return skip
	}
	canvas := image.Pt(w, h)
	if inner == cur && canvas == cur {
		return skip
	}
	g := Geometry{
		Canvas: canvas,
		Offset: image.Pt((w-inner.X)/2, (h-inner.Y)/2),
		Fill:   o.Fill,
	}
	if inner != cur {
		g.Scale = inner
	}
	return g
}

func resolveUnletterbox(o Unletterbox, cur image.Point, content image.Rectangle) Geometry {
	full := image.Rectangle{Max: cur}
	content = content.Intersect(full)
	if content.Empty() {
		content = full
	}
	g := Geometry{}
	if content != full {
		g.Crop = content
	}
	if o.Box {
		size := content.Size()
		scale, ok := contain(o.W.Resolve(size.X, Pixels), o.H.Resolve(size.Y, Pixels), size)
		if ok && scale != size {
			g.Scale = scale
		}
	}
	if g.Crop.Empty() && g.Scale == (image.Point{}) {
		return skip
	}
	return g
}

func resolveZoom(f float64, cur image.Point) Geometry {
	if f <= 0 {
		return skip
	}
	f = math.Min(f, maxZoom)
	f = math.Min(f, math.Min(MaxDimension/float64(cur.X), MaxDimension/float64(cur.Y)))
	w := max(1, min(MaxDimension, int(math.Round(float64(cur.X)*f))))
	h := max(1, min(MaxDimension, int(math.Round(float64(cur.Y)*f))))
	if w == cur.X && h == cur.Y {
		return skip
	}
	return Geometry{Scale: image.Pt(w, h)}
}
