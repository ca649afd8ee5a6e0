//go:build windows

package madtpg

import (
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

type dll struct {
	lazy *windows.LazyDLL
}

func (d *dll) Find(name string) (Proc, error) {
	proc := d.lazy.NewProc(name)
	if err := proc.Find(); err != nil {
		return nil, err
	}
	return proc, nil
}

func (d *dll) Path() string {
	return d.lazy.Name
}

func (d *dll) Release() error {
	if h := d.lazy.Handle(); h != 0 {
		return windows.FreeLibrary(windows.Handle(h))
	}
	return nil
}

// Locate returns the control library path registered for CLSID. The
// registration names the 32 bit library, 64 bit processes load its sibling.
func Locate() (string, error) {
	key, err := registry.OpenKey(registry.CLASSES_ROOT, `CLSID\`+CLSID+`\InprocServer32`, registry.QUERY_VALUE)
	if err != nil {
		return ``, err
	}
	defer key.Close()
	path, _, err := key.GetStringValue(``)
	if err != nil {
		return ``, err
	}
	if runtime.GOARCH == `amd64` || runtime.GOARCH == `arm64` {
		dir, base := filepath.Split(path)
		if strings.EqualFold(base, `madHcNet32.dll`) {
			path = filepath.Join(dir, `madHcNet64.dll`)
		}
	}
	return path, nil
}

// DefaultLoader loads the library found by Locate
func DefaultLoader() (Library, error) {
	path, err := Locate()
	if err != nil {
		return nil, common.NewError(common.TransportUnavailable, `locate`, err)
	}
	return loadPath(path)
}

func pathLoader(path string) Loader {
	return func() (Library, error) {
		return loadPath(path)
	}
}

func loadPath(path string) (Library, error) {
	lazy := windows.NewLazyDLL(path)
	if err := lazy.Load(); err != nil {
		return nil, common.NewError(common.TransportUnavailable, `load`, err)
	}
	return &dll{lazy: lazy}, nil
}
