package transform

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Operation is one canonical transform step. The set is closed: only the
// types in this file implement it.
type Operation interface {
	fmt.Stringer
	operation()
}

type SetWidth struct{ Pixels int }

type SetHeight struct{ Pixels int }

// Crop offsets and extents default to percentages of the current size.
type Crop struct{ X, Y, W, H Dimension }

// ResizeAndCrop covers a w×h box and trims the overflow around the centre.
type ResizeAndCrop struct{ W, H Dimension }

type FitInBox struct{ W, H Dimension }

type Letterbox struct {
	W, H Dimension
	Fill color.NRGBA
}

// Unletterbox trims a uniform border. With Box set the trimmed image is
// then fitted into W×H.
type Unletterbox struct {
	Box  bool
	W, H Dimension
}

type Zoom struct{ Factor float64 }

type FilterName string

const (
	FilterGrayscale  FilterName = "grayscale"
	FilterEmboss     FilterName = "emboss"
	FilterBrightness FilterName = "brightness"
	FilterContrast   FilterName = "contrast"
	FilterColorize   FilterName = "colorize"
	FilterSmooth     FilterName = "smooth"
)

// Filter is a colour-channel transform. Args are filter specific:
// brightness and contrast take a level, colorize takes r,g,b,strength and
// smooth takes a strength.
type Filter struct {
	Name FilterName
	Args []int
}

type Quality struct{ Value int }

type StripMode string

const (
	StripNone  StripMode = "none"
	StripInfo  StripMode = "info"
	StripColor StripMode = "color"
	StripAll   StripMode = "all"
)

type Strip struct{ Mode StripMode }

func (SetWidth) operation()      {}
func (SetHeight) operation()     {}
func (Crop) operation()          {}
func (ResizeAndCrop) operation() {}
func (FitInBox) operation()      {}
func (Letterbox) operation()     {}
func (Unletterbox) operation()   {}
func (Zoom) operation()          {}
func (Filter) operation()        {}
func (Quality) operation()       {}
func (Strip) operation()         {}

func (o SetWidth) String() string  { return "w=" + strconv.Itoa(o.Pixels) }
func (o SetHeight) String() string { return "h=" + strconv.Itoa(o.Pixels) }

func (o Crop) String() string {
	return fmt.Sprintf("crop=%s,%s,%s,%s", o.X, o.Y, o.W, o.H)
}

func (o ResizeAndCrop) String() string { return fmt.Sprintf("resize=%s,%s", o.W, o.H) }
func (o FitInBox) String() string      { return fmt.Sprintf("fit=%s,%s", o.W, o.H) }

func (o Letterbox) String() string {
	return fmt.Sprintf("lb=%s,%s,%02x%02x%02x%02x", o.W, o.H, o.Fill.R, o.Fill.G, o.Fill.B, o.Fill.A)
}

func (o Unletterbox) String() string {
	if !o.Box {
		return "ulb=true"
	}
	return fmt.Sprintf("ulb=%s,%s", o.W, o.H)
}

func (o Zoom) String() string {
	return "zoom=" + strconv.FormatFloat(o.Factor, 'f', -1, 64)
}

func (o Filter) String() string {
	if len(o.Args) == 0 {
		return "filter=" + string(o.Name)
	}
	args := make([]string, len(o.Args))
	for i, a := range o.Args {
		args[i] = strconv.Itoa(a)
	}
	return string(o.Name) + "=" + strings.Join(args, ",")
}

func (o Quality) String() string { return "quality=" + strconv.Itoa(o.Value) }
func (o Strip) String() string   { return "strip=" + string(o.Mode) }

// isGeometric reports whether op changes the raster dimensions or layout.
func isGeometric(op Operation) bool {
	switch op.(type) {
	case SetWidth, SetHeight, Crop, ResizeAndCrop, FitInBox, Letterbox, Unletterbox, Zoom:
		return true
	default:
		return false
	}
}
