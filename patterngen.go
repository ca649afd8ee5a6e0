// Copyright 2015 Peter Fern
// Use of this source code is governed by the MIT
// license that can be found in the LICENSE file

// Package patterngen drives external pattern generators that render a solid
// colour patch for a measurement instrument to read.
//
// A Generator owns exactly one adapter from the protocol package: Resolve
// (LS and CM dialects), the browser based webdisp generator, cast receivers
// and the madVR test pattern generator. Callers wait for the peer, send
// patches, and disconnect; every failure is reported as a *common.Error.
//
// Also included in cmd/patterngen is a small CLI utility that serves patches
// read from stdin or a file through any of the adapters.
package patterngen

import (
	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/protocol"
)

const (
	// VERSION of this library
	VERSION = `0.1.0`
)

// NewGenerator returns a pointer to a new Generator driving p
func NewGenerator(p common.Protocol) *Generator {
	g := &Generator{
		protocol:     p,
		timeouts:     common.DefaultTimeouts(),
		pollInterval: common.DefaultPollInterval,
	}
	p.SetClient(g)
	return g
}

// Open constructs the adapter named kind (see protocol.ParseKind), binds desc
// to it and returns a Generator driving it
func Open(kind string, desc common.Descriptor, cfg protocol.Config) (*Generator, error) {
	k, err := protocol.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	p, err := protocol.New(k, desc, cfg)
	if err != nil {
		return nil, err
	}
	g := NewGenerator(p)
	if cfg.Timeouts.Connect > 0 || cfg.Timeouts.Handshake > 0 {
		g.timeouts = cfg.Timeouts.Merge(common.DefaultTimeouts())
	}
	if cfg.Timeouts.Poll > 0 {
		g.pollInterval = common.ClampPollInterval(cfg.Timeouts.Poll)
	}
	return g, nil
}

// SetLogger allows assigning a custom levelled logger that conforms to the
// common.Logger interface.  To capture logs generated while waiting for a
// peer, this should be called before creating a Generator. Defaults to
// common.StubLogger, which does no logging at all.
func SetLogger(logger common.Logger) {
	common.SetLogger(logger)
}
