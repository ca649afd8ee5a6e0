package resolve

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" ?>`

// Document is the decoded content of a calibration message
type Document struct {
	Foreground common.Code
	Background common.Code
	// Bits is only carried by the CM dialect
	Bits     int
	Geometry common.Geometry
}

// Correct re-normalises the patch position against the free space left by
// its size. Each axis is corrected on its own span: a full width patch gets
// x=0 whatever its height, and vice versa. Receivers depend on this exact
// behaviour, asymmetric cases included.
func Correct(g common.Geometry) common.Geometry {
	if g.W < 1 {
		g.X = g.X / (1 - g.W)
	} else {
		g.X = 0
	}
	if g.H < 1 {
		g.Y = g.Y / (1 - g.H)
	} else {
		g.Y = 0
	}
	return g
}

// EncodeLS renders the LS dialect: a full field background rectangle followed
// by the patch rectangle, geometry in percent
func EncodeLS(doc Document) []byte {
	buf := bytes.NewBufferString(xmlHeader)
	buf.WriteString(`<calibration><shapes>`)
	buf.WriteString(rectangle(doc.Background, common.FullField))
	buf.WriteString(rectangle(doc.Foreground, doc.Geometry))
	buf.WriteString(`</shapes></calibration>`)
	return buf.Bytes()
}

// EncodeCM renders the CM dialect: explicit bit depth, separate background
// element, geometry as unit fractions
func EncodeCM(doc Document) []byte {
	bits := strconv.Itoa(doc.Bits)
	buf := bytes.NewBufferString(xmlHeader)
	buf.WriteString(`<calibration>`)
	buf.WriteString(element(`color`, colorAttrs(doc.Foreground, `bits`, bits)...))
	buf.WriteString(element(`background`, colorAttrs(doc.Background, `bits`, bits)...))
	buf.WriteString(element(`geometry`,
		`x`, fraction(doc.Geometry.X),
		`y`, fraction(doc.Geometry.Y),
		`cx`, fraction(doc.Geometry.W),
		`cy`, fraction(doc.Geometry.H),
	))
	buf.WriteString(`</calibration>`)
	return buf.Bytes()
}

func rectangle(c common.Code, g common.Geometry) string {
	return `<rectangle>` +
		element(`color`, colorAttrs(c)...) +
		element(`geometry`,
			`x`, percent(g.X),
			`y`, percent(g.Y),
			`cx`, percent(g.W),
			`cy`, percent(g.H),
		) +
		`</rectangle>`
}

func colorAttrs(c common.Code, extra ...string) []string {
	attrs := []string{
		`red`, strconv.Itoa(c[0]),
		`green`, strconv.Itoa(c[1]),
		`blue`, strconv.Itoa(c[2]),
	}
	return append(attrs, extra...)
}

// element builds a self-closing element from key/value attribute pairs
func element(tag string, attrs ...string) string {
	var buf bytes.Buffer
	buf.WriteString(`<`)
	buf.WriteString(tag)
	for i := 0; i+1 < len(attrs); i += 2 {
		fmt.Fprintf(&buf, ` %s="%s"`, attrs[i], attrs[i+1])
	}
	buf.WriteString(`/>`)
	return buf.String()
}

func percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64)
}

func fraction(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

type xmlColor struct {
	Red   int `xml:"red,attr"`
	Green int `xml:"green,attr"`
	Blue  int `xml:"blue,attr"`
	Bits  int `xml:"bits,attr"`
}

func (c *xmlColor) code() common.Code {
	if c == nil {
		return common.Code{}
	}
	return common.Code{c.Red, c.Green, c.Blue}
}

type xmlGeometry struct {
	X  float64 `xml:"x,attr"`
	Y  float64 `xml:"y,attr"`
	CX float64 `xml:"cx,attr"`
	CY float64 `xml:"cy,attr"`
}

func (g *xmlGeometry) geometry(scale float64) common.Geometry {
	if g == nil {
		return common.FullField
	}
	return common.Geometry{X: g.X / scale, Y: g.Y / scale, W: g.CX / scale, H: g.CY / scale}
}

type xmlRectangle struct {
	Color    *xmlColor    `xml:"color"`
	Geometry *xmlGeometry `xml:"geometry"`
}

type xmlCalibration struct {
	XMLName xml.Name `xml:"calibration"`
	Shapes  *struct {
		Rectangles []xmlRectangle `xml:"rectangle"`
	} `xml:"shapes"`
	Color      *xmlColor    `xml:"color"`
	Background *xmlColor    `xml:"background"`
	Geometry   *xmlGeometry `xml:"geometry"`
}

// Decode parses a calibration document of either dialect, reporting which
// one it was
func Decode(b []byte) (Document, Dialect, error) {
	cal := xmlCalibration{}
	if err := xml.Unmarshal(b, &cal); err != nil {
		return Document{}, 0, err
	}
	if cal.Shapes != nil {
		doc, err := decodeLS(&cal)
		return doc, DialectLS, err
	}
	doc, err := decodeCM(&cal)
	return doc, DialectCM, err
}

func decodeLS(cal *xmlCalibration) (Document, error) {
	rects := cal.Shapes.Rectangles
	doc := Document{Bits: 8}
	switch len(rects) {
	case 0:
		return doc, fmt.Errorf(`calibration document has no rectangle`)
	case 1:
		doc.Foreground = rects[0].Color.code()
		doc.Geometry = rects[0].Geometry.geometry(100)
	default:
		// painter's order: the last rectangle is the patch
		doc.Background = rects[0].Color.code()
		fg := rects[len(rects)-1]
		doc.Foreground = fg.Color.code()
		doc.Geometry = fg.Geometry.geometry(100)
	}
	return doc, nil
}

func decodeCM(cal *xmlCalibration) (Document, error) {
	if cal.Color == nil {
		return Document{}, fmt.Errorf(`calibration document has no color`)
	}
	return Document{
		Foreground: cal.Color.code(),
		Background: cal.Background.code(),
		Bits:       cal.Color.Bits,
		Geometry:   cal.Geometry.geometry(1),
	}, nil
}
