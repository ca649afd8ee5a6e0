//go:build !windows

package madtpg

import (
	"github.com/RomanHargrave/displaycal-sub006/common"
)

// Locate always fails, the renderer only exists on Windows
func Locate() (string, error) {
	return ``, common.Errorf(common.TransportUnavailable, `locate`, `not supported on this platform`)
}

// DefaultLoader always fails, the renderer only exists on Windows
func DefaultLoader() (Library, error) {
	_, err := Locate()
	return nil, err
}

func pathLoader(string) Loader {
	return DefaultLoader
}
