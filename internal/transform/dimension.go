package transform

import (
	"math"
	"strconv"
	"strings"
)

type Unit int

const (
	Unspecified Unit = iota
	Pixels
	Percent
)

// Dimension is a parsed magnitude with the unit marker that followed it.
type Dimension struct {
	Value float64
	Unit  Unit
}

func Px(v float64) Dimension  { return Dimension{Value: v, Unit: Pixels} }
func Pct(v float64) Dimension { return Dimension{Value: v, Unit: Percent} }

// ParseDimension reads a leading run of digits with at most one decimal
// point, followed by an optional "px" or "%" marker. Anything after that is
// ignored. A value without digits does not parse.
func ParseDimension(raw string) (Dimension, bool) {
	v, rest, ok := leadingNumber(strings.TrimSpace(raw), false)
	if !ok {
		return Dimension{}, false
	}
	d := Dimension{Value: v}
	switch {
	case strings.HasPrefix(rest, "px"):
		d.Unit = Pixels
	case strings.HasPrefix(rest, "%"):
		d.Unit = Percent
	}
	return d, true
}

// Resolve converts d to pixels against the current extent of one axis.
// Unspecified units fall back to def.
func (d Dimension) Resolve(current int, def Unit) int {
	unit := d.Unit
	if unit == Unspecified {
		unit = def
	}
	if unit == Percent {
		return int(math.Round(d.Value * float64(current) / 100))
	}
	return int(math.Round(d.Value))
}

func (d Dimension) String() string {
	s := strconv.FormatFloat(d.Value, 'f', -1, 64)
	switch d.Unit {
	case Pixels:
		return s + "px"
	case Percent:
		return s + "%"
	default:
		return s
	}
}

// leadingNumber splits raw into its numeric prefix and the remainder.
func leadingNumber(raw string, signed bool) (float64, string, bool) {
	end := 0
	if signed && end < len(raw) && (raw[end] == '-' || raw[end] == '+') {
		end++
	}
	digits, dot := 0, false
	for end < len(raw) {
		c := raw[end]
		if c >= '0' && c <= '9' {
			digits++
		} else if c == '.' && !dot {
			dot = true
		} else {
			break
		}
		end++
	}
	if digits == 0 {
		return 0, raw, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(raw[:end], "."), 64)
	if err != nil {
		return 0, raw, false
	}
	return v, raw[end:], true
}

// leadingInt truncates the numeric prefix of raw towards zero.
func leadingInt(raw string, signed bool) (int, bool) {
	v, _, ok := leadingNumber(strings.TrimSpace(raw), signed)
	if !ok {
		return 0, false
	}
	return int(v), true
}
