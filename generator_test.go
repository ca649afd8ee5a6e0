package patterngen_test

import (
	"context"
	"errors"
	"time"

	. "github.com/RomanHargrave/displaycal-sub006"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/format"
	"github.com/stretchr/testify/mock"

	"github.com/RomanHargrave/displaycal-sub006/common"
	"github.com/RomanHargrave/displaycal-sub006/mocks"
	"github.com/RomanHargrave/displaycal-sub006/protocol"
	"github.com/RomanHargrave/displaycal-sub006/protocol/resolve"
)

func init() {
	format.UseStringerRepresentation = false
}

var _ = Describe("Generator", func() {
	var (
		gen          *Generator
		mockProtocol *mocks.Protocol
		patch        = common.NewPatch(common.RGB{1, 0.5, 0})
		profile      = common.Profile{Bits: 10}
	)

	It("should register itself as the protocol client", func() {
		mockProtocol = new(mocks.Protocol)
		mockProtocol.On(`SetClient`, mock.AnythingOfType(`*patterngen.Generator`)).Return().Once()
		gen = NewGenerator(mockProtocol)
		Expect(gen).To(BeAssignableToTypeOf(new(Generator)))
		mockProtocol.AssertExpectations(GinkgoT())
	})

	Describe("with a protocol", func() {
		BeforeEach(func() {
			mockProtocol = new(mocks.Protocol)
			mockProtocol.On(`SetClient`, mock.Anything).Return()
			gen = NewGenerator(mockProtocol)
		})

		It("should bind and wait on Connect", func() {
			desc := common.Descriptor{Host: `127.0.0.1`, Port: 20002}
			mockProtocol.On(`Bind`, desc).Return(nil).Once()
			mockProtocol.On(`Wait`, mock.Anything).Return(nil).Once()
			Expect(gen.Connect(context.Background(), desc, common.Timeouts{Connect: time.Second})).To(Succeed())
			Expect(gen.GetTimeouts().Connect).To(Equal(time.Second))
			Expect(gen.GetTimeouts().Handshake).To(Equal(common.DefaultHandshakeTimeout))
			mockProtocol.AssertExpectations(GinkgoT())
		})

		It("should not wait when Bind fails", func() {
			mockProtocol.On(`Bind`, mock.Anything).Return(common.ErrInvalid).Once()
			Expect(gen.Connect(context.Background(), common.Descriptor{Port: -1}, common.Timeouts{})).To(MatchError(common.ErrInvalid))
			mockProtocol.AssertNotCalled(GinkgoT(), `Wait`, mock.Anything)
		})

		It("should return taxonomy errors from Wait unchanged", func() {
			failure := common.Errorf(common.PeerNotFound, `discover`, `no receiver named "x"`)
			mockProtocol.On(`Wait`, mock.Anything).Return(failure).Once()
			Expect(gen.Wait(context.Background())).To(Equal(failure))
			Expect(gen.Err()).To(Equal(failure))
		})

		It("should report cancellation as ErrCancelled", func() {
			mockProtocol.On(`Wait`, mock.Anything).Return(common.ErrCancelled).Once()
			mockProtocol.On(`State`).Return(common.StateCancelled)
			Expect(gen.Wait(context.Background())).To(MatchError(common.ErrCancelled))
			Expect(gen.Status(nil)).To(Equal(StatusCancelled))
		})

		It("should forward Cancel", func() {
			mockProtocol.On(`Cancel`).Return().Once()
			gen.Cancel()
			mockProtocol.AssertExpectations(GinkgoT())
		})

		It("should send patches to the protocol", func() {
			mockProtocol.On(`Send`, patch, profile).Return(nil).Once()
			Expect(gen.Send(patch, profile)).To(Succeed())
			mockProtocol.AssertExpectations(GinkgoT())
		})

		It("should use the configured profile when none is given", func() {
			gen.SetProfile(common.Profile{Bits: 8, VideoLevels: true})
			mockProtocol.On(`Send`, patch, common.Profile{Bits: 8, VideoLevels: true}).Return(nil).Once()
			Expect(gen.Send(patch, common.Profile{})).To(Succeed())
			mockProtocol.AssertExpectations(GinkgoT())
		})

		It("should reject invalid patches without calling the protocol", func() {
			Expect(gen.Send(common.NewPatch(common.RGB{-0.1, 0, 0}), profile)).To(MatchError(common.ErrInvalid))
			Expect(gen.Send(patch, common.Profile{Bits: 24})).To(MatchError(common.ErrInvalid))
			mockProtocol.AssertNotCalled(GinkgoT(), `Send`, mock.Anything, mock.Anything)
		})

		It("should wrap raw transport errors as ConnectionBroken", func() {
			mockProtocol.On(`Send`, patch, profile).Return(errors.New(`write: broken pipe`)).Once()
			mockProtocol.On(`State`).Return(common.StateFailed)
			err := gen.Send(patch, profile)
			var perr *common.Error
			Expect(errors.As(err, &perr)).To(BeTrue())
			Expect(perr.Kind).To(Equal(common.ConnectionBroken))
			Expect(perr.Op).To(Equal(`send`))
			Expect(gen.Status(nil)).To(Equal(`patterngenerator.failed.connection_broken`))
		})

		It("should pass state errors through", func() {
			mockProtocol.On(`Send`, patch, profile).Return(common.ErrState).Once()
			Expect(gen.Send(patch, profile)).To(Equal(common.ErrState))
		})

		It("should disconnect through the protocol", func() {
			mockProtocol.On(`Disconnect`).Return(nil).Twice()
			Expect(gen.Disconnect()).To(Succeed())
			Expect(gen.Disconnect()).To(Succeed())
		})

		It("should wrap disconnect failures", func() {
			mockProtocol.On(`Disconnect`).Return(errors.New(`close failure`))
			Expect(common.KindOf(gen.Disconnect())).To(Equal(common.ConnectionBroken))
		})

		DescribeTable("should report one status per state",
			func(state common.State, lastErr error, want string) {
				mockProtocol.On(`State`).Return(state)
				if lastErr != nil {
					mockProtocol.On(`Wait`, mock.Anything).Return(lastErr).Once()
					_ = gen.Wait(context.Background())
				}
				Expect(gen.Status(nil)).To(Equal(want))
				Expect(gen.Status(func(key string) string { return `<` + key + `>` })).To(Equal(`<` + want + `>`))
			},
			Entry("idle", common.StateIdle, nil, StatusIdle),
			Entry("listening", common.StateListening, nil, StatusWaiting),
			Entry("connected", common.StateConnected, nil, StatusConnected),
			Entry("closed", common.StateClosed, nil, StatusDisconnected),
			Entry("cancelled", common.StateCancelled, nil, StatusCancelled),
			Entry("failed without cause", common.StateFailed, nil, StatusFailed),
			Entry("peer not found", common.StateFailed, common.Errorf(common.PeerNotFound, `discover`, `none`), `patterngenerator.failed.peer_not_found`),
			Entry("incompatible", common.StateFailed, common.Errorf(common.IncompatibleEndpoint, `bind`, `old`), `patterngenerator.failed.incompatible_endpoint`),
		)

		It("should update the timeouts", func() {
			gen.SetTimeout(5 * time.Second)
			gen.SetHandshakeTimeout(7 * time.Second)
			Expect(*gen.GetTimeouts()).To(Equal(common.Timeouts{Connect: 5 * time.Second, Handshake: 7 * time.Second, Poll: common.DefaultPollInterval}))
		})

		It("should clamp the poll interval", func() {
			gen.SetPollInterval(time.Millisecond)
			Expect(*gen.GetPollInterval()).To(Equal(common.MinPollInterval))
			gen.SetPollInterval(time.Minute)
			Expect(*gen.GetPollInterval()).To(Equal(common.MaxPollInterval))
			gen.SetPollInterval(100 * time.Millisecond)
			Expect(*gen.GetPollInterval()).To(Equal(100 * time.Millisecond))
		})

		It("should hand out protocol subscriptions", func() {
			sub := common.NewSubscription(mockProtocol)
			mockProtocol.SubscriptionTarget.On(`NewSubscription`).Return(sub, nil).Once()
			mockProtocol.SubscriptionTarget.On(`CloseSubscription`, sub).Return(nil).Once()
			got, err := gen.NewSubscription()
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(sub))
			Expect(gen.CloseSubscription(got)).To(Succeed())
		})
	})

	Describe("Open", func() {
		It("should construct the named adapter", func() {
			gen, err := Open(`webdisp`, common.Descriptor{Host: `127.0.0.1`}, protocol.Config{Timeouts: common.Timeouts{Poll: 60 * time.Millisecond}})
			Expect(err).NotTo(HaveOccurred())
			Expect(gen.State()).To(Equal(common.StateIdle))
			Expect(*gen.GetPollInterval()).To(Equal(60 * time.Millisecond))
			Expect(gen.Status(nil)).To(Equal(StatusIdle))
			Expect(gen.Disconnect()).To(Succeed())
		})

		It("should reject unknown adapters", func() {
			_, err := Open(`hdfury`, common.Descriptor{}, protocol.Config{})
			Expect(err).To(MatchError(common.ErrInvalid))
		})
	})

	Describe("end to end", func() {
		It("should connect, cancel and report through a real adapter", func() {
			gen := NewGenerator(resolve.New(resolve.DialectLS, resolve.WithAddress(`127.0.0.1`, 0)))
			gen.SetPollInterval(50 * time.Millisecond)

			done := make(chan error, 1)
			go func() {
				done <- gen.Wait(context.Background())
			}()
			Eventually(gen.State).Should(Equal(common.StateListening))
			Expect(gen.Status(nil)).To(Equal(StatusWaiting))
			gen.Cancel()
			Eventually(done, 300*time.Millisecond).Should(Receive(MatchError(common.ErrCancelled)))
			Expect(gen.Status(nil)).To(Equal(StatusCancelled))
			Expect(gen.Disconnect()).To(Succeed())
			Expect(gen.Status(nil)).To(Equal(StatusDisconnected))
		})

		It("should end a blocked Wait on Disconnect", func() {
			gen := NewGenerator(resolve.New(resolve.DialectCM, resolve.WithAddress(`127.0.0.1`, 0)))
			gen.SetPollInterval(50 * time.Millisecond)

			done := make(chan error, 1)
			go func() {
				done <- gen.Wait(context.Background())
			}()
			Eventually(gen.State).Should(Equal(common.StateListening))
			Expect(gen.Disconnect()).To(Succeed())
			Eventually(done, 300*time.Millisecond).Should(Receive(MatchError(common.ErrClosed)))
			Expect(gen.Status(nil)).To(Equal(StatusDisconnected))
		})
	})
})
