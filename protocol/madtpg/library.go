package madtpg

import (
	"math"
	"math/bits"
	"sort"
	"strings"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

// CLSID identifies the renderer's COM registration, its InprocServer32 entry
// names the control library
const CLSID = `{E1A8B82A-32CE-4B0D-BE0D-AA68C772E423}`

// Proc is one exported function of the control library
type Proc interface {
	Call(args ...uintptr) (r1, r2 uintptr, lastErr error)
}

// Library is a loaded control library
type Library interface {
	// Find returns the exported function name, or an error if it is missing
	Find(name string) (Proc, error)
	// Path returns the location the library was loaded from
	Path() string
	// Release unloads the library
	Release() error
}

// Loader locates and loads the control library
type Loader func() (Library, error)

// entryPoints is bound once per session, every operation the adapter can
// perform has a field here
type entryPoints struct {
	isAvailable        Proc
	connectEx          Proc
	disconnect         Proc
	quit               Proc
	showRGB            Proc
	showRGBEx          Proc
	getDeviceGammaRamp Proc
	setDeviceGammaRamp Proc
	setProgressBarPos  Proc
	getPatternConfig   Proc
	setPatternConfig   Proc
}

// bind resolves all entry points. Every symbol in the table is required,
// releases predating any of them are reported as incompatible.
func bind(lib Library) (*entryPoints, error) {
	ep := &entryPoints{}
	table := map[string]*Proc{
		`madVR_IsAvailable`:        &ep.isAvailable,
		`madVR_ConnectEx`:          &ep.connectEx,
		`madVR_Disconnect`:         &ep.disconnect,
		`madVR_Quit`:               &ep.quit,
		`madVR_ShowRGB`:            &ep.showRGB,
		`madVR_ShowRGBEx`:          &ep.showRGBEx,
		`madVR_GetDeviceGammaRamp`: &ep.getDeviceGammaRamp,
		`madVR_SetDeviceGammaRamp`: &ep.setDeviceGammaRamp,
		`madVR_SetProgressBarPos`:  &ep.setProgressBarPos,
		`madVR_GetPatternConfig`:   &ep.getPatternConfig,
		`madVR_SetPatternConfig`:   &ep.setPatternConfig,
	}
	var missing []string
	for name, dst := range table {
		proc, err := lib.Find(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		*dst = proc
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, common.Errorf(common.IncompatibleEndpoint, `bind`,
			lib.Path()+` is outdated or incompatible, missing `+strings.Join(missing, `, `))
	}
	return ep, nil
}

// call invokes proc and reports its BOOL result
func call(proc Proc, args ...uintptr) (bool, error) {
	r1, _, err := proc.Call(args...)
	if uint32(r1) == 0 {
		return false, err
	}
	return true, nil
}

// floatArgs passes doubles by value, split in two words on 32 bit platforms
func floatArgs(vs ...float64) []uintptr {
	out := make([]uintptr, 0, 2*len(vs))
	for _, v := range vs {
		b := math.Float64bits(v)
		if bits.UintSize == 32 {
			out = append(out, uintptr(uint32(b)), uintptr(uint32(b>>32)))
			continue
		}
		out = append(out, uintptr(b))
	}
	return out
}

func intArg(v int) uintptr {
	return uintptr(int32(v))
}
