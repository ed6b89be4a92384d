package advertiser_test

import (
	"bytes"
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/teslamotors/ble-broadcast/pkg/advertiser"
	"github.com/teslamotors/ble-broadcast/pkg/connector/sim"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

const (
	companyID = 0x004c
	channelA  = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	channelB  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

func testConfig() advertiser.Config {
	config := advertiser.DefaultConfig(companyID)
	config.Period = 5 * time.Millisecond
	config.ProbeDelay = 0
	config.ProbeTimeout = 50 * time.Millisecond
	return config
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 13)
	}
	return b
}

var _ = Describe("Advertiser", func() {
	var (
		medium   *sim.Medium
		txRadio  *sim.Radio
		rxRadio  *sim.Radio
		sender   *advertiser.Advertiser
		receiver *advertiser.Advertiser
		ctx      context.Context
	)

	newAdvertiser := func(radio *sim.Radio, config advertiser.Config) *advertiser.Advertiser {
		a, err := advertiser.New(radio, config)
		Expect(err).ToNot(HaveOccurred())
		Expect(a.Start(ctx)).To(Succeed())
		DeferCleanup(a.Close)
		return a
	}

	scan := func() {
		scanCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- receiver.Scan(scanCtx)
		}()
		DeferCleanup(func() {
			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})
	}

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		DeferCleanup(cancel)
		medium = sim.NewMedium()
		txRadio = medium.NewRadio(sim.RadioConfig{Address: "AA:AA:AA:AA:AA:01"})
		rxRadio = medium.NewRadio(sim.RadioConfig{Address: "AA:AA:AA:AA:AA:02"})
	})

	Describe("New", func() {
		It("rejects the reserved company id", func() {
			_, err := advertiser.New(txRadio, advertiser.DefaultConfig(0))
			Expect(errors.Is(err, protocol.ErrInvalidCompanyID)).To(BeTrue())
		})

		It("rejects frame budgets no radio supports", func() {
			config := testConfig()
			config.FrameBudget = 19
			_, err := advertiser.New(txRadio, config)
			Expect(err).To(HaveOccurred())
			config.FrameBudget = 1651
			_, err = advertiser.New(txRadio, config)
			Expect(err).To(HaveOccurred())
		})

		It("requires a transport", func() {
			_, err := advertiser.New(nil, testConfig())
			Expect(err).To(MatchError(protocol.ErrTransportUnavailable))
		})
	})

	Describe("Start", func() {
		It("probes the legacy frame budget", func() {
			sender = newAdvertiser(txRadio, testConfig())
			Expect(sender.FrameBudget()).To(Equal(sim.DefaultLegacyLimit))
			caps := sender.Capabilities()
			Expect(caps.Probed).To(BeTrue())
			Expect(caps.Extended).To(BeFalse())
			Expect(caps.ExtendedSupported).To(BeFalse())
			Expect(caps.MediumEnabled).To(BeTrue())
			Expect(txRadio.Active()).To(Equal(0))
		})

		It("probes the extended frame budget", func() {
			radio := medium.NewRadio(sim.RadioConfig{ExtendedLimit: 251})
			sender = newAdvertiser(radio, testConfig())
			Expect(sender.FrameBudget()).To(Equal(251))
			Expect(sender.Capabilities().Extended).To(BeTrue())
		})

		It("stays on legacy frames unless extended frames are preferred", func() {
			radio := medium.NewRadio(sim.RadioConfig{ExtendedLimit: 251})
			config := testConfig()
			config.PreferExtended = false
			sender = newAdvertiser(radio, config)
			Expect(sender.FrameBudget()).To(Equal(sim.DefaultLegacyLimit))
		})

		It("adopts a configured frame budget without probing", func() {
			config := testConfig()
			config.FrameBudget = 22
			sender = newAdvertiser(txRadio, config)
			Expect(sender.FrameBudget()).To(Equal(22))
			Expect(sender.Capabilities().Probed).To(BeFalse())
			Expect(txRadio.Transmitted()).To(BeEmpty())
		})

		It("probes when a configured extended budget is unsupported", func() {
			config := testConfig()
			config.FrameBudget = 200
			sender = newAdvertiser(txRadio, config)
			Expect(sender.FrameBudget()).To(Equal(sim.DefaultLegacyLimit))
			Expect(sender.Capabilities().Probed).To(BeTrue())
		})

		It("can only be started once", func() {
			sender = newAdvertiser(txRadio, testConfig())
			Expect(sender.Start(ctx)).To(MatchError(advertiser.ErrAlreadyStarted))
		})

		It("probes once a disabled medium is enabled", func() {
			txRadio.SetEnabled(false)
			sender = newAdvertiser(txRadio, testConfig())
			Expect(sender.Capabilities().Probed).To(BeFalse())
			Expect(sender.FrameBudget()).To(Equal(31))

			txRadio.SetEnabled(true)
			Eventually(func() bool { return sender.Capabilities().Probed }).Should(BeTrue())
			Expect(sender.FrameBudget()).To(Equal(sim.DefaultLegacyLimit))
		})
	})

	Describe("SendMessage", func() {
		BeforeEach(func() {
			sender = newAdvertiser(txRadio, testConfig())
			receiver = newAdvertiser(rxRadio, testConfig())
		})

		It("rejects channel ids that are not UUIDs", func() {
			_, err := sender.SendMessage("channel", []byte("hi"), sender.DefaultSendOptions())
			Expect(errors.Is(err, protocol.ErrInvalidChannelID)).To(BeTrue())
		})

		It("rejects empty payloads", func() {
			_, err := sender.SendMessage(channelA, nil, sender.DefaultSendOptions())
			Expect(errors.Is(err, protocol.ErrEmptyPayload)).To(BeTrue())
		})

		It("broadcasts a small payload as a single frame", func() {
			result, err := sender.SendMessage(channelA, []byte("hello"), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(advertiser.StatusStarted))
			Expect(result.Fragmented).To(BeFalse())
			Expect(result.TotalCount).To(Equal(1))

			scan()
			var message advertiser.Message
			Eventually(receiver.Messages()).Should(Receive(&message))
			Expect(message.Payload).To(Equal([]byte("hello")))
			Expect(message.Reassembled).To(BeFalse())
			Expect(message.FragmentCount).To(Equal(1))
			Expect(message.Sender).To(Equal(txRadio.Address()))
			Expect(message.RSSI).To(Equal(sim.DefaultRSSI))
		})

		It("delivers short text on a single frame", func() {
			scan()
			for _, text := range []string{"one", "hello", "status:1", "ok"} {
				result, err := sender.SendMessage(channelA, []byte(text), sender.DefaultSendOptions())
				Expect(err).ToNot(HaveOccurred())
				Expect(result.Fragmented).To(BeFalse())

				frames := txRadio.Transmitted()
				Expect(frames[len(frames)-1].Data).To(Equal(append([]byte{1, 0, result.MessageID}, text...)))
				Eventually(func() string {
					select {
					case m := <-receiver.Messages():
						return string(m.Payload)
					default:
						return ""
					}
				}).Should(Equal(text))
			}
			Expect(receiver.Pending()).To(BeZero())
		})

		It("uses every byte of the payload budget for a single frame", func() {
			result, err := sender.SendMessage(channelA, payload(sim.DefaultLegacyLimit-3), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Fragmented).To(BeFalse())
			result, err = sender.SendMessage(channelB, payload(sim.DefaultLegacyLimit-2), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Fragmented).To(BeTrue())
			Expect(result.TotalCount).To(Equal(2))
		})

		It("rotates and reassembles a large payload", func() {
			data := payload(200)
			result, err := sender.SendMessage(channelA, data, sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(advertiser.StatusMultiPacketStarted))
			Expect(result.Fragmented).To(BeTrue())
			Expect(result.DataPerFragment).To(Equal(sim.DefaultLegacyLimit - 3))
			Expect(result.TotalCount).To(Equal(10))

			scan()
			var message advertiser.Message
			Eventually(receiver.Messages()).Should(Receive(&message))
			Expect(message.Payload).To(Equal(data))
			Expect(message.Reassembled).To(BeTrue())
			Expect(message.FragmentCount).To(Equal(10))
		})

		It("reassembles despite a lossy medium", func() {
			medium.SetLossRate(0.3, 7)
			data := payload(150)
			_, err := sender.SendMessage(channelA, data, sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			scan()
			var message advertiser.Message
			Eventually(receiver.Messages(), 5*time.Second).Should(Receive(&message))
			Expect(message.Payload).To(Equal(data))
		})

		It("keeps concurrent channels apart", func() {
			first := bytes.Repeat([]byte{0x11}, 100)
			second := bytes.Repeat([]byte{0x22}, 120)
			_, err := sender.SendMessage(channelA, first, sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			_, err = sender.SendMessage(channelB, second, sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			scan()
			seen := map[byte][]byte{}
			Eventually(func() int {
				select {
				case m := <-receiver.Messages():
					seen[m.Payload[0]] = m.Payload
				default:
				}
				return len(seen)
			}).Should(Equal(2))
			Expect(seen[0x11]).To(Equal(first))
			Expect(seen[0x22]).To(Equal(second))
		})

		It("subtracts the configured frame overhead", func() {
			config := testConfig()
			config.FrameOverhead = 4
			radio := medium.NewRadio(sim.RadioConfig{})
			a := newAdvertiser(radio, config)
			Expect(a.PayloadBudget()).To(Equal(sim.DefaultLegacyLimit - 4))
			result, err := a.SendMessage(channelA, payload(100), a.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.FrameBudget).To(Equal(sim.DefaultLegacyLimit - 4))
			Expect(result.DataPerFragment).To(Equal(sim.DefaultLegacyLimit - 7))
			for _, frame := range radio.Transmitted() {
				Expect(len(frame.Data)).To(BeNumerically("<=", sim.DefaultLegacyLimit))
			}
		})

		It("rejects payloads that need too many fragments", func() {
			_, err := sender.SendMessage(channelA, payload(256*21), sender.DefaultSendOptions())
			Expect(errors.Is(err, protocol.ErrTooManyFragments)).To(BeTrue())
			Expect(sender.Channels()).To(BeEmpty())
		})

		It("refuses to probe while broadcasting", func() {
			_, err := sender.SendMessage(channelA, payload(100), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			_, err = sender.ProbeFrameBudget(ctx)
			Expect(errors.Is(err, protocol.ErrAdvertiserBusy)).To(BeTrue())
		})

		It("holds sends until a running frame budget search finishes", func() {
			radio := medium.NewRadio(sim.RadioConfig{Instances: 1, Latency: 20 * time.Millisecond})
			config := testConfig()
			config.ProbeTimeout = 200 * time.Millisecond
			a := newAdvertiser(radio, config)
			Expect(a.FrameBudget()).To(Equal(sim.DefaultLegacyLimit))
			before := len(radio.Transmitted())

			probed := make(chan int, 1)
			go func() {
				defer GinkgoRecover()
				budget, err := a.ProbeFrameBudget(ctx)
				Expect(err).ToNot(HaveOccurred())
				probed <- budget
			}()
			Eventually(func() int { return len(radio.Transmitted()) }).Should(BeNumerically(">", before))

			result, err := a.SendMessage(channelA, []byte("hello"), a.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.FrameBudget).To(Equal(sim.DefaultLegacyLimit))
			Eventually(probed).Should(Receive(Equal(sim.DefaultLegacyLimit)))
			Expect(a.Channels()).To(HaveLen(1))
		})

		It("reports a first fragment the radio rejected", func() {
			radio := medium.NewRadio(sim.RadioConfig{Instances: 1})
			a := newAdvertiser(radio, testConfig())
			_, err := a.SendMessage(channelA, []byte("hold"), a.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			result, err := a.SendMessage(channelB, payload(100), a.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal(advertiser.StatusMultiPacketStarted))
			Expect(errors.Is(result.FirstError, protocol.ErrAdvertiserBusy)).To(BeTrue())
			Expect(a.Channels()).To(HaveLen(2))
		})

		It("drops messages when the receive buffer is full", func() {
			config := testConfig()
			config.MessageBuffer = 1
			radio := medium.NewRadio(sim.RadioConfig{})
			receiver = newAdvertiser(radio, config)
			_, err := sender.SendMessage(channelA, []byte("one"), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			_, err = sender.SendMessage(channelB, []byte("two"), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			scan()
			Eventually(receiver.Dropped).Should(BeNumerically(">=", 1))
			Expect(receiver.Messages()).To(HaveLen(1))
		})
	})

	Describe("stopping", func() {
		BeforeEach(func() {
			sender = newAdvertiser(txRadio, testConfig())
		})

		It("stops a single channel", func() {
			_, err := sender.SendMessage(channelA, payload(100), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			_, err = sender.SendMessage(channelB, payload(100), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			Expect(sender.StopChannel(channelA)).To(BeTrue())
			Expect(sender.StopChannel(channelA)).To(BeFalse())
			channels := sender.Channels()
			Expect(channels).To(HaveLen(1))
			Expect(channels[0].ChannelID).To(Equal(channelB))
		})

		It("stops every channel", func() {
			_, err := sender.SendMessage(channelB, payload(100), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())
			_, err = sender.SendMessage(channelA, []byte("short"), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			Expect(sender.StopAllChannels()).To(Equal([]string{channelA, channelB}))
			Expect(sender.StopAllChannels()).To(BeEmpty())
			Expect(txRadio.Active()).To(Equal(0))
		})

		It("stops broadcasting when the medium is disabled", func() {
			_, err := sender.SendMessage(channelA, payload(100), sender.DefaultSendOptions())
			Expect(err).ToNot(HaveOccurred())

			txRadio.SetEnabled(false)
			Eventually(sender.Channels).Should(BeEmpty())
			_, err = sender.SendMessage(channelA, payload(100), sender.DefaultSendOptions())
			Expect(errors.Is(err, protocol.ErrMediumDisabled)).To(BeTrue())
			_, err = sender.ProbeFrameBudget(ctx)
			Expect(errors.Is(err, protocol.ErrMediumDisabled)).To(BeTrue())
		})

		It("refuses to send after Close", func() {
			sender.Close()
			sender.Close()
			_, err := sender.SendMessage(channelA, payload(10), sender.DefaultSendOptions())
			Expect(errors.Is(err, protocol.ErrTransportUnavailable)).To(BeTrue())
		})
	})
})
