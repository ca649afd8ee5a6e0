package common

import (
	"fmt"
	"math"
)

// RGB is a device-ready colour with each channel in the unit interval
type RGB [3]float64

// Valid reports whether every channel lies in [0,1]
func (c RGB) Valid() bool {
	for _, v := range c {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	return true
}

// Hex formats the colour as #RRGGBB at 8 bits full range
func (c RGB) Hex() string {
	return Quantize(c, 8, false).Hex()
}

// Geometry places a patch on the target display, all values in [0,1]
type Geometry struct {
	X, Y, W, H float64
}

// FullField covers the whole display
var FullField = Geometry{X: 0, Y: 0, W: 1, H: 1}

// Valid reports whether all values lie in [0,1] and the patch fits the field
func (g Geometry) Valid() bool {
	for _, v := range []float64{g.X, g.Y, g.W, g.H} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return false
		}
	}
	const eps = 1e-9
	return g.X+g.W <= 1+eps && g.Y+g.H <= 1+eps
}

// Patch is a single colour and geometry instruction
type Patch struct {
	Foreground RGB
	Background RGB
	Geometry   Geometry
}

// NewPatch returns a full field patch of fg on a black background
func NewPatch(fg RGB) Patch {
	return Patch{Foreground: fg, Geometry: FullField}
}

// Validate returns ErrInvalid if any colour channel or geometry value is out
// of range
func (p Patch) Validate() error {
	switch {
	case !p.Foreground.Valid():
		return fmt.Errorf(`%w: foreground %v`, ErrInvalid, p.Foreground)
	case !p.Background.Valid():
		return fmt.Errorf(`%w: background %v`, ErrInvalid, p.Background)
	case !p.Geometry.Valid():
		return fmt.Errorf(`%w: geometry %+v`, ErrInvalid, p.Geometry)
	}
	return nil
}

// Profile determines the mapping from unit interval values to device codes.
// A zero Bits selects the adapter's default.
type Profile struct {
	Bits        int
	VideoLevels bool
}

// DefaultProfile is 8 bit full range
var DefaultProfile = Profile{Bits: 8}

// OrDefault returns p, taking the bit depth from def when p leaves it unset
func (p Profile) OrDefault(def Profile) Profile {
	if p.Bits == 0 {
		p.Bits = def.Bits
	}
	return p
}

// Validate returns ErrInvalid for bit depths outside [1,16]
func (p Profile) Validate() error {
	if p.Bits < 1 || p.Bits > 16 {
		return fmt.Errorf(`%w: bit depth %d`, ErrInvalid, p.Bits)
	}
	return nil
}

// Scale returns the highest code for this bit depth
func (p Profile) Scale() float64 {
	return math.Exp2(float64(p.Bits)) - 1
}

// Quantize maps c to device codes using this profile
func (p Profile) Quantize(c RGB) Code {
	return Quantize(c, p.Bits, p.VideoLevels)
}

// Normalize quantizes c and maps the codes back to the unit interval, for
// devices that take floating point input but should still honour the bit depth
func (p Profile) Normalize(c RGB) RGB {
	code := p.Quantize(c)
	scale := p.Scale()
	return RGB{float64(code[0]) / scale, float64(code[1]) / scale, float64(code[2]) / scale}
}

// Code is a quantized integer colour
type Code [3]int

// Hex formats 8 bit codes as #RRGGBB
func (c Code) Hex() string {
	return fmt.Sprintf(`#%02X%02X%02X`, c[0], c[1], c[2])
}

const (
	videoMin  = 16.0 / 255
	videoSpan = 235.0/255 - videoMin
)

// Quantize scales each channel of c to an integer code of the given bit
// depth. With videoLevels the codes span the studio range (16-235 at 8 bits).
//
// Values are never clamped: Quantize panics when a channel is outside [0,1] or
// bits is outside [1,16]. Use Patch.Validate to check input first.
func Quantize(c RGB, bits int, videoLevels bool) Code {
	if bits < 1 || bits > 16 {
		panic(fmt.Sprintf(`quantize: bit depth %d out of range`, bits))
	}
	if !c.Valid() {
		panic(fmt.Sprintf(`quantize: colour %v out of range`, c))
	}
	scale := math.Exp2(float64(bits)) - 1
	minv, span := 0.0, 1.0
	if videoLevels {
		minv, span = videoMin, videoSpan
	}
	var code Code
	for i, v := range c {
		code[i] = int(math.Round(minv*scale + v*scale*span))
	}
	return code
}
