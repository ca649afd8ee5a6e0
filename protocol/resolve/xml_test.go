package resolve_test

import (
	"math/rand"
	"strings"

	. "github.com/RomanHargrave/displaycal-sub006/protocol/resolve"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

var _ = Describe("XML", func() {
	Describe("Correct", func() {
		It("re-normalises x against the free width", func() {
			g := Correct(common.Geometry{X: 0.25, Y: 0, W: 0.5, H: 1})
			Expect(g.X).To(BeNumerically("~", 0.5, 1e-12))
			Expect(g.Y).To(BeZero())
			Expect(g.W).To(Equal(0.5))
			Expect(g.H).To(Equal(1.0))
		})

		// Known quirk: each axis is corrected from its own span only, so a full
		// width patch loses its x offset while its y is still re-normalised.
		It("corrects each axis independently", func() {
			g := Correct(common.Geometry{X: 0.3, Y: 0.2, W: 1, H: 0.5})
			Expect(g.X).To(BeZero())
			Expect(g.Y).To(BeNumerically("~", 0.4, 1e-12))

			g = Correct(common.Geometry{X: 0.1, Y: 0.3, W: 0.5, H: 1})
			Expect(g.X).To(BeNumerically("~", 0.2, 1e-12))
			Expect(g.Y).To(BeZero())
		})
	})

	Describe("LS dialect", func() {
		It("encodes a red patch on a blue background", func() {
			p := common.DefaultProfile
			doc := Document{
				Foreground: p.Quantize(common.RGB{1, 0, 0}),
				Background: p.Quantize(common.RGB{0, 0, 1}),
				Geometry:   Correct(common.FullField),
			}
			out := string(EncodeLS(doc))

			Expect(out).To(HavePrefix(`<?xml version="1.0" encoding="UTF-8" ?><calibration><shapes>`))
			Expect(out).To(HaveSuffix(`</shapes></calibration>`))
			Expect(out).To(ContainSubstring(`<rectangle><color red="0" green="0" blue="255"/><geometry x="0.00" y="0.00" cx="100.00" cy="100.00"/></rectangle>`))
			Expect(out).To(ContainSubstring(`<rectangle><color red="255" green="0" blue="0"/><geometry x="0.00" y="0.00" cx="100.00" cy="100.00"/></rectangle>`))
			Expect(strings.Index(out, `blue="255"`)).To(BeNumerically("<", strings.Index(out, `red="255"`)))
		})

		It("formats percentages with two decimals", func() {
			out := string(EncodeLS(Document{Geometry: common.Geometry{X: 0.123456, Y: 0.5, W: 0.1, H: 0.1}}))
			Expect(out).To(ContainSubstring(`<geometry x="12.35" y="50.00" cx="10.00" cy="10.00"/>`))
		})

		It("round-trips codes", func() {
			r := rand.New(rand.NewSource(1))
			for i := 0; i < 50; i++ {
				doc := Document{
					Foreground: common.Code{r.Intn(256), r.Intn(256), r.Intn(256)},
					Background: common.Code{r.Intn(256), r.Intn(256), r.Intn(256)},
					Geometry:   common.Geometry{X: 0.25, Y: 0.25, W: 0.5, H: 0.5},
				}
				got, dialect, err := Decode(EncodeLS(doc))
				Expect(err).NotTo(HaveOccurred())
				Expect(dialect).To(Equal(DialectLS))
				Expect(got.Foreground).To(Equal(doc.Foreground))
				Expect(got.Background).To(Equal(doc.Background))
				Expect(got.Geometry.W).To(BeNumerically("~", 0.5, 1e-9))
			}
		})
	})

	Describe("CM dialect", func() {
		It("carries bits on both colours", func() {
			p := common.Profile{Bits: 10}
			doc := Document{
				Foreground: p.Quantize(common.RGB{1, 0.5, 0}),
				Background: p.Quantize(common.RGB{0, 0, 0}),
				Bits:       10,
				Geometry:   common.Geometry{X: 0.5, Y: 0.25, W: 0.1, H: 0.2},
			}
			out := string(EncodeCM(doc))
			Expect(out).To(Equal(`<?xml version="1.0" encoding="UTF-8" ?><calibration>` +
				`<color red="1023" green="512" blue="0" bits="10"/>` +
				`<background red="0" green="0" blue="0" bits="10"/>` +
				`<geometry x="0.5000" y="0.2500" cx="0.1000" cy="0.2000"/>` +
				`</calibration>`))
		})

		It("round-trips codes", func() {
			r := rand.New(rand.NewSource(2))
			for i := 0; i < 50; i++ {
				doc := Document{
					Foreground: common.Code{r.Intn(1024), r.Intn(1024), r.Intn(1024)},
					Background: common.Code{r.Intn(1024), r.Intn(1024), r.Intn(1024)},
					Bits:       10,
					Geometry:   common.FullField,
				}
				got, dialect, err := Decode(EncodeCM(doc))
				Expect(err).NotTo(HaveOccurred())
				Expect(dialect).To(Equal(DialectCM))
				Expect(got).To(Equal(doc))
			}
		})
	})

	It("rejects malformed documents", func() {
		_, _, err := Decode([]byte(`<calibration><shapes></shapes></calibration>`))
		Expect(err).To(HaveOccurred())
		_, _, err = Decode([]byte(`not xml`))
		Expect(err).To(HaveOccurred())
	})
})
