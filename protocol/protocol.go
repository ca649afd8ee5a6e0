// Package protocol selects a pattern generator adapter.
//
// This package is not designed to used directly by end users, other than to
// specify an adapter kind when creating a new Generator from the patterngen
// package.
//
// The currently implemented adapters are:
//   resolve-ls  Resolve (LS dialect, 8 bit)
//   resolve-cm  Resolve (CM dialect, 10 bit)
//   webdisp     browser pattern generator
//   ccast       cast receiver
//   madtpg      madVR test pattern generator
package protocol

import (
	"fmt"
	"strings"

	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/protocol/ccast"
	"github.com/RomanHargrave/displaycal-sub006/protocol/madtpg"
	"github.com/RomanHargrave/displaycal-sub006/protocol/resolve"
	"github.com/RomanHargrave/displaycal-sub006/protocol/webdisp"
)

// Kind names an adapter
type Kind uint8

const (
	// ResolveLS is the Resolve listener speaking the 8 bit dialect
	ResolveLS Kind = iota + 1
	// ResolveCM is the Resolve listener speaking the 10 bit dialect
	ResolveCM
	// Webdisp serves the browser pattern generator
	Webdisp
	// Ccast drives a cast receiver
	Ccast
	// Madtpg drives the madVR test pattern generator
	Madtpg
)

var kindNames = map[Kind]string{
	ResolveLS: `resolve-ls`,
	ResolveCM: `resolve-cm`,
	Webdisp:   `webdisp`,
	Ccast:     `ccast`,
	Madtpg:    `madtpg`,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf(`kind(%d)`, uint8(k))
}

// Kinds returns every adapter kind in declaration order
func Kinds() []Kind {
	return []Kind{ResolveLS, ResolveCM, Webdisp, Ccast, Madtpg}
}

// ParseKind returns the Kind named s, case insensitive. `resolve` selects
// ResolveLS.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == `resolve` {
		return ResolveLS, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf(`%w: unknown adapter %q`, common.ErrInvalid, s)
}

// Config carries adapter settings that are not part of the Descriptor
type Config struct {
	Timeouts common.Timeouts
	// Debug enables the webdisp debug routes
	Debug bool
}

// New constructs the adapter of kind and binds desc to it
func New(kind Kind, desc common.Descriptor, cfg Config) (common.Protocol, error) {
	t := cfg.Timeouts.Merge(common.DefaultTimeouts())
	var p common.Protocol
	switch kind {
	case ResolveLS:
		p = resolve.New(resolve.DialectLS, resolve.WithTimeouts(t))
	case ResolveCM:
		p = resolve.New(resolve.DialectCM, resolve.WithTimeouts(t))
	case Webdisp:
		p = webdisp.New(webdisp.WithTimeouts(t), webdisp.WithDebug(cfg.Debug))
	case Ccast:
		p = ccast.New(ccast.WithTimeouts(t))
	case Madtpg:
		p = madtpg.New(madtpg.WithTimeouts(t))
	default:
		return nil, fmt.Errorf(`%w: unknown adapter %v`, common.ErrInvalid, kind)
	}
	if err := p.Bind(desc); err != nil {
		return nil, err
	}
	return p, nil
}
