package webdisp

import (
	"strconv"
	"strings"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// message holds every wire form of one patch, computed once at send time so
// that pollers only ever see a complete value
type message struct {
	// full is color|bg|x|y|w|h
	full string
	// legacy is color|bg, for clients that echo two fields
	legacy string
}

func encode(patch common.Patch, profile common.Profile) *message {
	fg := profile.Quantize(patch.Foreground).Hex()
	bg := profile.Quantize(patch.Background).Hex()
	g := patch.Geometry
	return &message{
		full: strings.Join([]string{
			fg, bg,
			formatFloat(g.X), formatFloat(g.Y), formatFloat(g.W), formatFloat(g.H),
		}, `|`),
		legacy: fg + `|` + bg,
	}
}

// reply returns the form matching what the client echoed
func (m *message) reply(echo string) string {
	if strings.Count(echo, `|`) == 1 {
		return m.legacy
	}
	return m.full
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
