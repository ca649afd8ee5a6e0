package ccast

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/RomanHargrave/displaycal-sub006/common"
)

func dnsResponse(instance, host string, ip net.IP, port uint16, txt ...string) []byte {
	txts := make([][]byte, len(txt))
	for i, t := range txt {
		txts[i] = []byte(t)
	}
	dns := &layers.DNS{
		QR: true,
		AA: true,
		Answers: []layers.DNSResourceRecord{{
			Name:  []byte(ServiceName),
			Type:  layers.DNSTypePTR,
			Class: layers.DNSClassIN,
			TTL:   120,
			PTR:   []byte(instance),
		}},
		Additionals: []layers.DNSResourceRecord{{
			Name:  []byte(instance),
			Type:  layers.DNSTypeSRV,
			Class: layers.DNSClassIN,
			TTL:   120,
			SRV:   layers.DNSSRV{Port: port, Name: []byte(host)},
		}, {
			Name:  []byte(instance),
			Type:  layers.DNSTypeTXT,
			Class: layers.DNSClassIN,
			TTL:   120,
			TXTs:  txts,
		}, {
			Name:  []byte(host),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   120,
			IP:    ip.To4(),
		}},
	}
	buf := gopacket.NewSerializeBuffer()
	Expect(dns.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true})).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("CastMessage", func() {
	It("survives a round trip", func() {
		msg, err := newMessage(`sender-0`, `receiver-0`, nsReceiver, envelope{Type: msgGetStatus, RequestID: 7})
		Expect(err).NotTo(HaveOccurred())

		decoded, err := unmarshalMessage(msg.marshal())
		Expect(err).NotTo(HaveOccurred())
		Expect(decoded).To(Equal(msg))
		Expect(decoded.header()).To(Equal(envelope{Type: msgGetStatus, RequestID: 7}))
	})

	It("rejects a message without namespace", func() {
		_, err := unmarshalMessage((&castMessage{SourceID: `a`}).marshal())
		Expect(err).To(HaveOccurred())
	})

	It("rejects truncated input", func() {
		msg, _ := newMessage(`a`, `b`, nsHeartbeat, envelope{Type: msgPing})
		b := msg.marshal()
		_, err := unmarshalMessage(b[:len(b)-3])
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Discovery", func() {
	It("builds a PTR query asking for unicast responses", func() {
		b, err := buildQuery(ServiceName)
		Expect(err).NotTo(HaveOccurred())
		dns := &layers.DNS{}
		Expect(dns.DecodeFromBytes(b, gopacket.NilDecodeFeedback)).To(Succeed())
		Expect(dns.Questions).To(HaveLen(1))
		Expect(string(dns.Questions[0].Name)).To(Equal(ServiceName))
		Expect(dns.Questions[0].Type).To(Equal(layers.DNSTypePTR))
		Expect(uint16(dns.Questions[0].Class) & classUnicastResponse).NotTo(BeZero())
	})

	It("merges PTR, SRV, TXT and A records into a receiver", func() {
		cache := newRecordCache(ServiceName)
		instance := `Chromecast-abc.` + ServiceName
		Expect(cache.add(dnsResponse(instance, `abc.local`, net.IPv4(192, 168, 1, 20), 8009,
			`id=abc`, `md=Chromecast`, `fn=Living Room`))).To(Succeed())

		Expect(cache.receivers()).To(ConsistOf(Receiver{
			Name:  `Living Room`,
			ID:    `abc`,
			Model: `Chromecast`,
			Host:  `192.168.1.20`,
			Port:  8009,
		}))
	})

	It("falls back to the instance label without a friendly name", func() {
		cache := newRecordCache(ServiceName)
		Expect(cache.add(dnsResponse(`tv.`+ServiceName, `tv.local`, net.IPv4(10, 0, 0, 2), 8009))).To(Succeed())
		rcv := cache.receivers()
		Expect(rcv).To(HaveLen(1))
		Expect(rcv[0].Name).To(Equal(`tv`))
		Expect(rcv[0].Addr()).To(Equal(`10.0.0.2:8009`))
	})

	It("keeps the advertised case of the instance label", func() {
		cache := newRecordCache(ServiceName)
		Expect(cache.add(dnsResponse(`Living-Room.`+ServiceName, `lr.local`, net.IPv4(10, 0, 0, 3), 8009))).To(Succeed())
		rcv := cache.receivers()
		Expect(rcv).To(HaveLen(1))
		Expect(rcv[0].Name).To(Equal(`Living-Room`))
		Expect(normalizeName(rcv[0].Name)).To(Equal(normalizeName(`Living-Room`)))
		Expect(instanceLabel(`TV.`+ServiceName+`.`, len(ServiceName))).To(Equal(`TV`))
	})

	It("ignores garbage", func() {
		cache := newRecordCache(ServiceName)
		Expect(cache.add([]byte{0x01, 0x02})).NotTo(Succeed())
		Expect(cache.receivers()).To(BeEmpty())
	})

	It("compares friendly names in composed form", func() {
		Expect(normalizeName("Cafe\u0301")).To(Equal(normalizeName("Caf\u00e9")))
		Expect(normalizeName(" Den ")).To(Equal(`Den`))
		Expect(normalizeName("bad\xffname")).To(Equal("bad\uFFFDname"))
	})
})

var _ = Describe("MDNSBrowser", func() {
	var responder *net.UDPConn

	BeforeEach(func() {
		var err error
		responder, err = net.ListenUDP(`udp4`, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		responder.Close()
	})

	// answer replies to every query with response, or drops queries when
	// response is nil
	answer := func(response []byte) {
		go func() {
			buf := make([]byte, 1500)
			for {
				_, from, err := responder.ReadFromUDP(buf)
				if err != nil {
					return
				}
				if response != nil {
					_, _ = responder.WriteToUDP(response, from)
				}
			}
		}()
	}

	It("returns within one interval of cancellation when nobody answers", func() {
		answer(nil)
		browser := &MDNSBrowser{Group: responder.LocalAddr().String()}
		interval := 100 * time.Millisecond
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- browser.Browse(ctx, interval, func(Receiver) bool { return false })
		}()
		Consistently(done, 250*time.Millisecond).ShouldNot(Receive())

		started := time.Now()
		cancel()
		Eventually(done, interval+100*time.Millisecond).Should(Receive(BeNil()))
		Expect(time.Since(started)).To(BeNumerically("<", interval+100*time.Millisecond))
	})

	It("reports receivers from the answers", func() {
		answer(dnsResponse(`Den.`+ServiceName, `den.local`, net.IPv4(10, 0, 0, 4), 8009, `fn=Den`))
		browser := &MDNSBrowser{Group: responder.LocalAddr().String()}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var got []Receiver
		err := browser.Browse(ctx, 50*time.Millisecond, func(r Receiver) bool {
			got = append(got, r)
			return true
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]Receiver{{Name: `Den`, Host: `10.0.0.4`, Port: 8009}}))
	})
})

var _ = Describe("Adapter", func() {
	var (
		receiver *fakeReceiver
		browser  *fakeBrowser
		adapter  *Adapter
		timeouts common.Timeouts
	)

	BeforeEach(func() {
		adapter = nil
		receiver = newFakeReceiver(DefaultAppID)
		browser = &fakeBrowser{receivers: []Receiver{
			{Name: `Kitchen`, Host: `192.0.2.1`, Port: 8009},
			{Name: "Cafe\u0301", Host: `192.0.2.2`, Port: 8009},
		}}
		timeouts = common.Timeouts{Connect: 300 * time.Millisecond, Handshake: time.Second, Poll: 50 * time.Millisecond}
	})

	AfterEach(func() {
		if adapter != nil {
			Expect(adapter.Disconnect()).To(Succeed())
		}
		receiver.close()
	})

	connect := func(name string) {
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: name})).To(Succeed())
		Expect(adapter.Wait(context.Background())).To(Succeed())
		Expect(adapter.State()).To(Equal(common.StateConnected))
	}

	It("launches the receiver application and connects to its transport", func() {
		connect("Caf\u00e9")
		Expect(adapter.Receiver().Host).To(Equal(`192.0.2.2`))
		Eventually(receiver.messages).Should(Equal([]string{
			`receiver-0 CONNECT`,
			`receiver-0 GET_STATUS`,
			`receiver-0 LAUNCH`,
			`transport-1 CONNECT`,
		}))
	})

	It("reuses a running application", func() {
		receiver.setLaunched()
		connect(`Kitchen`)
		Eventually(receiver.messages).Should(ContainElement(`transport-1 CONNECT`))
		Expect(receiver.messages()).NotTo(ContainElement(`receiver-0 LAUNCH`))
	})

	It("sends patches with an increasing request id", func() {
		connect(`Kitchen`)
		patch := common.Patch{
			Foreground: common.RGB{1, 0, 0},
			Background: common.RGB{0, 0, 1},
			Geometry:   common.Geometry{X: 0.25, Y: 0.5, W: 0.5, H: 0.1},
		}
		Expect(adapter.Send(patch, common.Profile{Bits: 10})).To(Succeed())
		Expect(adapter.Send(common.NewPatch(common.RGB{1, 1, 1}), common.Profile{VideoLevels: true})).To(Succeed())

		var first, second map[string]interface{}
		Eventually(receiver.app).Should(Receive(&first))
		Eventually(receiver.app).Should(Receive(&second))

		Expect(first).To(HaveKeyWithValue(`foreground`, `#FF0000`))
		Expect(first).To(HaveKeyWithValue(`background`, `#0000FF`))
		Expect(first).To(HaveKeyWithValue(`offset`, []interface{}{0.25, 0.5}))
		Expect(first).To(HaveKeyWithValue(`scale`, []interface{}{5.0, 1.0}))
		Expect(second).To(HaveKeyWithValue(`foreground`, `#EBEBEB`))
		Expect(second).To(HaveKeyWithValue(`background`, `#101010`))
		Expect(second[`requestId`]).To(BeNumerically(">", first[`requestId`]))
	})

	It("answers heartbeats", func() {
		connect(`Kitchen`)
		receiver.push(`*`, nsHeartbeat, envelope{Type: msgPing})
		Eventually(receiver.pong).Should(Receive())
	})

	It("stops the application on disconnect", func() {
		connect(`Kitchen`)
		Expect(adapter.Disconnect()).To(Succeed())
		Eventually(receiver.stopped).Should(Receive(Equal(`session-1`)))
		Expect(adapter.State()).To(Equal(common.StateClosed))
		Expect(adapter.Disconnect()).To(Succeed())
		Expect(adapter.Send(common.NewPatch(common.RGB{}), common.DefaultProfile)).To(MatchError(common.ErrState))
	})

	It("fails with PeerNotFound when no receiver matches", func() {
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: `Bedroom`})).To(Succeed())
		err := adapter.Wait(context.Background())
		Expect(common.KindOf(err)).To(Equal(common.PeerNotFound))
		Expect(adapter.State()).To(Equal(common.StateFailed))
	})

	It("fails with PeerNotFound without a name", func() {
		adapter = New(WithBrowser(browser), WithTimeouts(timeouts))
		err := adapter.Wait(context.Background())
		Expect(common.KindOf(err)).To(Equal(common.PeerNotFound))
	})

	It("skips discovery when an address is bound", func() {
		receiver.setLaunched()
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Host: `192.0.2.9`})).To(Succeed())
		Expect(adapter.Wait(context.Background())).To(Succeed())
		Expect(adapter.Receiver().Addr()).To(Equal(`192.0.2.9:8009`))
		browser.Lock()
		Expect(browser.calls).To(BeZero())
		browser.Unlock()
	})

	It("fails with HandshakeFailed when the receiver never answers", func() {
		receiver.setSilent(true)
		timeouts.Handshake = 200 * time.Millisecond
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: `Kitchen`})).To(Succeed())
		err := adapter.Wait(context.Background())
		Expect(common.KindOf(err)).To(Equal(common.HandshakeFailed))
		Expect(adapter.State()).To(Equal(common.StateFailed))
	})

	It("stops discovery when cancelled", func() {
		timeouts.Connect = 10 * time.Second
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: `Bedroom`})).To(Succeed())

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- adapter.Wait(context.Background())
		}()
		Eventually(adapter.State).Should(Equal(common.StateListening))
		adapter.Cancel()

		var err error
		Eventually(waitErr, timeouts.Poll+100*time.Millisecond).Should(Receive(&err))
		Expect(err).To(MatchError(common.ErrCancelled))
		Expect(adapter.State()).To(Equal(common.StateCancelled))
	})
	It("ends discovery with ErrClosed when disconnected", func() {
		timeouts.Connect = 10 * time.Second
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: `Bedroom`})).To(Succeed())

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- adapter.Wait(context.Background())
		}()
		Eventually(adapter.State).Should(Equal(common.StateListening))
		Expect(adapter.Disconnect()).To(Succeed())

		var err error
		Eventually(waitErr, timeouts.Poll+100*time.Millisecond).Should(Receive(&err))
		Expect(err).To(MatchError(common.ErrClosed))
		Expect(adapter.State()).To(Equal(common.StateClosed))
	})

	It("ends the handshake with ErrClosed when disconnected", func() {
		receiver.setSilent(true)
		timeouts.Handshake = 10 * time.Second
		adapter = New(WithBrowser(browser), WithDialer(receiver.dialer()), WithTimeouts(timeouts))
		Expect(adapter.Bind(common.Descriptor{Name: `Kitchen`})).To(Succeed())

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- adapter.Wait(context.Background())
		}()
		Eventually(receiver.messages).Should(ContainElement(`receiver-0 GET_STATUS`))
		Expect(adapter.Disconnect()).To(Succeed())

		var err error
		Eventually(waitErr, time.Second).Should(Receive(&err))
		Expect(err).To(MatchError(common.ErrClosed))
		Expect(adapter.State()).To(Equal(common.StateClosed))
	})
})
