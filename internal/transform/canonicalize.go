package transform

import (
	"encoding/hex"
	"image/color"
	"net/url"
	"strings"
)

// Param is one raw query parameter. Order is significant.
type Param struct {
	Name  string
	Value string
}

// ParseQuery splits a raw query string on '&' and ';' without reordering.
// Undecodable escapes are kept literally.
func ParseQuery(raw string) []Param {
	raw = strings.TrimPrefix(raw, "?")
	var params []Param
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '&' || r == ';' }) {
		name, value, _ := strings.Cut(part, "=")
		if n, err := url.QueryUnescape(name); err == nil {
			name = n
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		params = append(params, Param{Name: name, Value: value})
	}
	return params
}

// ParamNames lists every parameter the canonicalizer understands.
var ParamNames = []string{
	"w", "h", "crop", "resize", "fit", "lb", "ulb", "zoom",
	"filter", "brightness", "contrast", "colorize", "smooth",
	"quality", "strip",
}

// Capabilities is the set of enabled parameter names. A nil set enables
// everything.
type Capabilities map[string]bool

// ParseCapabilities builds a set from a list of names; an empty list or
// "*" enables every parameter.
func ParseCapabilities(names []string) Capabilities {
	caps := Capabilities{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "*" {
			return nil
		}
		if n != "" {
			caps[n] = true
		}
	}
	if len(caps) == 0 {
		return nil
	}
	return caps
}

func (c Capabilities) Enabled(name string) bool {
	return c == nil || c[name]
}

const (
	defaultLevel  = 20
	defaultSmooth = 10
)

var defaultColorize = []int{112, 66, 20, 100}

type parseFunc func(value string) []Operation

// Canonicalizer turns raw parameters into typed operations.
type Canonicalizer struct {
	caps    Capabilities
	parsers map[string]parseFunc
}

func NewCanonicalizer(caps Capabilities) *Canonicalizer {
	return &Canonicalizer{
		caps: caps,
		parsers: map[string]parseFunc{
			"w":          parseSetWidth,
			"h":          parseSetHeight,
			"crop":       parseCrop,
			"resize":     parseResize,
			"fit":        parseFit,
			"lb":         parseLetterbox,
			"ulb":        parseUnletterbox,
			"zoom":       parseZoom,
			"filter":     parseFilterChain,
			"brightness": parseLevel(FilterBrightness),
			"contrast":   parseLevel(FilterContrast),
			"colorize":   parseColorize,
			"smooth":     parseSmooth,
			"quality":    parseQuality,
			"strip":      parseStrip,
		},
	}
}

// Canonicalize never fails: unknown, disabled and malformed parameters are
// dropped individually.
func (c *Canonicalizer) Canonicalize(params []Param) []Operation {
	var ops []Operation
	for _, p := range params {
		parse, ok := c.parsers[p.Name]
		if !ok || !c.caps.Enabled(p.Name) {
			continue
		}
		ops = append(ops, parse(p.Value)...)
	}
	return ops
}

func one(op Operation) []Operation { return []Operation{op} }

func parseSetWidth(v string) []Operation {
	n, ok := leadingInt(v, false)
	if !ok {
		return nil
	}
	return one(SetWidth{Pixels: n})
}

func parseSetHeight(v string) []Operation {
	n, ok := leadingInt(v, false)
	if !ok {
		return nil
	}
	return one(SetHeight{Pixels: n})
}

// dimensions parses exactly n comma separated dimensions.
func dimensions(v string, n int) ([]Dimension, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != n {
		return nil, false
	}
	out := make([]Dimension, n)
	for i, p := range parts {
		d, ok := ParseDimension(p)
		if !ok {
			return nil, false
		}
		out[i] = d
	}
	return out, true
}

func parseCrop(v string) []Operation {
	d, ok := dimensions(v, 4)
	if !ok {
		return nil
	}
	return one(Crop{X: d[0], Y: d[1], W: d[2], H: d[3]})
}

func parseResize(v string) []Operation {
	d, ok := dimensions(v, 2)
	if !ok {
		return nil
	}
	return one(ResizeAndCrop{W: d[0], H: d[1]})
}

func parseFit(v string) []Operation {
	d, ok := dimensions(v, 2)
	if !ok {
		return nil
	}
	return one(FitInBox{W: d[0], H: d[1]})
}

func parseLetterbox(v string) []Operation {
	parts := strings.Split(v, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return nil
	}
	d, ok := dimensions(strings.Join(parts[:2], ","), 2)
	if !ok {
		return nil
	}
	op := Letterbox{W: d[0], H: d[1], Fill: color.NRGBA{A: 255}}
	if len(parts) == 3 {
		fill, ok := parseHexColor(parts[2])
		if !ok {
			return nil
		}
		op.Fill = fill
	}
	return one(op)
}

func parseHexColor(v string) (color.NRGBA, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "#")
	if len(v) != 6 && len(v) != 8 {
		return color.NRGBA{}, false
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return color.NRGBA{}, false
	}
	c := color.NRGBA{R: b[0], G: b[1], B: b[2], A: 255}
	if len(b) == 4 {
		c.A = b[3]
	}
	return c, true
}

func parseUnletterbox(v string) []Operation {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "true", "1":
		return one(Unletterbox{})
	}
	d, ok := dimensions(v, 2)
	if !ok {
		return nil
	}
	return one(Unletterbox{Box: true, W: d[0], H: d[1]})
}

func parseZoom(v string) []Operation {
	f, _, ok := leadingNumber(strings.TrimSpace(v), false)
	if !ok || f <= 0 {
		return nil
	}
	return one(Zoom{Factor: min(f, maxZoom)})
}

func parseFilterChain(v string) []Operation {
	var ops []Operation
	for _, name := range strings.Split(v, ",") {
		switch n := FilterName(strings.ToLower(strings.TrimSpace(name))); n {
		case FilterGrayscale, FilterEmboss:
			ops = append(ops, Filter{Name: n})
		case FilterBrightness, FilterContrast:
			ops = append(ops, Filter{Name: n, Args: []int{defaultLevel}})
		case FilterColorize:
			ops = append(ops, Filter{Name: n, Args: append([]int(nil), defaultColorize...)})
		case FilterSmooth:
			ops = append(ops, Filter{Name: n, Args: []int{defaultSmooth}})
		}
	}
	return ops
}

func parseLevel(name FilterName) parseFunc {
	return func(v string) []Operation {
		n, ok := leadingInt(v, true)
		if !ok {
			return nil
		}
		return one(Filter{Name: name, Args: []int{clamp(n, -100, 100)}})
	}
}

func parseColorize(v string) []Operation {
	parts := strings.Split(v, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return nil
	}
	args := []int{0, 0, 0, 100}
	for i, p := range parts {
		n, ok := leadingInt(p, false)
		if !ok {
			return nil
		}
		if i == 3 {
			args[i] = clamp(n, 0, 100)
		} else {
			args[i] = clamp(n, 0, 255)
		}
	}
	return one(Filter{Name: FilterColorize, Args: args})
}

func parseSmooth(v string) []Operation {
	n, ok := leadingInt(v, false)
	if !ok || n < 1 {
		return nil
	}
	return one(Filter{Name: FilterSmooth, Args: []int{clamp(n, 1, 50)}})
}

func parseQuality(v string) []Operation {
	n, ok := leadingInt(v, false)
	if !ok {
		return nil
	}
	return one(Quality{Value: clamp(n, 0, 100)})
}

func parseStrip(v string) []Operation {
	switch m := StripMode(strings.ToLower(strings.TrimSpace(v))); m {
	case StripNone, StripInfo, StripColor, StripAll:
		return one(Strip{Mode: m})
	default:
		return nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
