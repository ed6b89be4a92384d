package rotation_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/teslamotors/ble-broadcast/mocks"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
	"github.com/teslamotors/ble-broadcast/pkg/rotation"
)

const (
	companyID = 0x004c
	period    = 10 * time.Millisecond
)

// radio records the frames handed to a mock transport.
type radio struct {
	lock    sync.Mutex
	frames  [][]byte
	company []uint16
	stopped int
	fail    func(n int, frame connector.Frame) error
}

func (r *radio) transmit(ctrl *gomock.Controller) func(context.Context, connector.Frame) (connector.Transmission, error) {
	return func(_ context.Context, frame connector.Frame) (connector.Transmission, error) {
		r.lock.Lock()
		n := len(r.frames)
		r.frames = append(r.frames, frame.Data)
		r.company = append(r.company, frame.CompanyID)
		fail := r.fail
		r.lock.Unlock()
		if fail != nil {
			if err := fail(n, frame); err != nil {
				return nil, err
			}
		}
		tx := mocks.NewTransmission(ctrl)
		tx.EXPECT().Stop().DoAndReturn(func() error {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.stopped++
			return nil
		}).Times(1)
		return tx, nil
	}
}

func (r *radio) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.frames)
}

func (r *radio) snapshot() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([][]byte(nil), r.frames...)
}

func (r *radio) stops() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stopped
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

var _ = Describe("Scheduler", func() {
	var (
		ctrl      *gomock.Controller
		transport *mocks.Transport
		scheduler *rotation.Scheduler
		r         *radio
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		transport = mocks.NewTransport(ctrl)
		r = &radio{}
		scheduler = rotation.NewScheduler(transport, rotation.Config{CompanyID: companyID, Period: period})
		DeferCleanup(func() {
			scheduler.StopAll()
			ctrl.Finish()
		})
	})

	expectTransmissions := func() {
		transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(r.transmit(ctrl)).AnyTimes()
	}

	Describe("Start", func() {
		It("transmits fragments in round-robin order", func() {
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.TotalCount()).To(Equal(4))
			Expect(job.Fragmented()).To(BeTrue())

			Eventually(r.count).Should(BeNumerically(">=", 9))
			Expect(scheduler.Stop("a")).To(BeTrue())

			frames := r.snapshot()
			for i, frame := range frames {
				Expect(frame[0]).To(Equal(byte(4)))
				Expect(frame[1]).To(Equal(byte(i % 4)))
				Expect(frame[2]).To(Equal(job.MessageID()))
				Expect(len(frame)).To(BeNumerically("<=", 31))
			}
			Expect(frames[3]).To(HaveLen(3 + 16))
		})

		It("takes every fragment off air", func() {
			expectTransmissions()
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Eventually(r.count).Should(BeNumerically(">=", 3))
			scheduler.Stop("a")
			Expect(r.stops()).To(Equal(r.count()))
			for _, id := range r.company {
				Expect(id).To(Equal(uint16(companyID)))
			}
		})

		It("holds a payload that fits in one fragment as a single frame", func() {
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: []byte("hello"), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.Fragmented()).To(BeFalse())
			Expect(job.TotalCount()).To(Equal(1))
			Consistently(r.count, 5*period, period).Should(Equal(1))
			Expect(r.snapshot()[0]).To(Equal(append([]byte{1, 0, job.MessageID()}, "hello"...)))
			Expect(scheduler.Stop("a")).To(BeTrue())
			Expect(r.stops()).To(Equal(1))
		})

		It("leaves room for the header in a single frame", func() {
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(28), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.Fragmented()).To(BeFalse())
			Expect(r.snapshot()[0]).To(HaveLen(31))

			job, err = scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(29), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.Fragmented()).To(BeTrue())
			Expect(job.TotalCount()).To(Equal(2))
		})

		It("reports a failed first fragment and keeps rotating", func() {
			r.fail = func(n int, _ connector.Frame) error {
				if n == 0 {
					return protocol.ErrDataTooLarge
				}
				return nil
			}
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(errors.Is(job.FirstError(), protocol.ErrDataTooLarge)).To(BeTrue())
			var txErr *protocol.TransmissionError
			Expect(errors.As(job.FirstError(), &txErr)).To(BeTrue())
			Expect(txErr.Index).To(Equal(0))
			Eventually(r.count).Should(BeNumerically(">=", 3))
			Expect(job.Stats().Failed).To(Equal(uint64(1)))
		})

		It("does not block other channels while a frame is being transmitted", func() {
			release := make(chan struct{})
			r.fail = func(_ int, frame connector.Frame) error {
				if frame.Data[3] == 0xbb {
					<-release
				}
				return nil
			}
			expectTransmissions()
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31, Period: time.Hour})
			Expect(err).ToNot(HaveOccurred())

			started := make(chan error, 1)
			go func() {
				_, err := scheduler.Start(rotation.Request{ChannelID: "b", Payload: bytes.Repeat([]byte{0xbb}, 100), FrameBudget: 31})
				started <- err
			}()
			Eventually(r.count).Should(Equal(2))

			Expect(scheduler.Jobs()).To(HaveLen(2))
			Expect(scheduler.Stop("a")).To(BeTrue())

			close(release)
			Eventually(started).Should(Receive(BeNil()))
		})

		It("uses the period from the request", func() {
			expectTransmissions()
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31, Period: time.Hour})
			Expect(err).ToNot(HaveOccurred())
			Consistently(r.count, 5*period, period).Should(Equal(1))
		})

		It("returns the error if a single frame is rejected", func() {
			r.fail = func(int, connector.Frame) error { return protocol.ErrDataTooLarge }
			expectTransmissions()
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: []byte("hello"), FrameBudget: 31})
			Expect(errors.Is(err, protocol.ErrDataTooLarge)).To(BeTrue())
			_, ok := scheduler.Job("a")
			Expect(ok).To(BeFalse())
		})

		It("rejects payloads that cannot be framed without transmitting", func() {
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(300), FrameBudget: 4})
			Expect(errors.Is(err, protocol.ErrTooManyFragments)).To(BeTrue())
			_, err = scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(300), FrameBudget: 3})
			Expect(errors.Is(err, protocol.ErrPayloadTooSmallBudget)).To(BeTrue())
			_, err = scheduler.Start(rotation.Request{ChannelID: "a", FrameBudget: 31})
			Expect(errors.Is(err, protocol.ErrEmptyPayload)).To(BeTrue())
			Expect(scheduler.Jobs()).To(BeEmpty())
		})

		It("replaces the job already running on a channel", func() {
			expectTransmissions()
			first, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Eventually(r.count).Should(BeNumerically(">=", 2))

			second, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(200), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(second.TotalCount()).To(Equal(8))
			cut := r.count() - 1

			Eventually(r.count).Should(BeNumerically(">=", cut+4))
			for _, frame := range r.snapshot()[cut:] {
				Expect(frame[0]).To(Equal(byte(8)))
				Expect(frame[2]).To(Equal(second.MessageID()))
			}
			jobs := scheduler.Jobs()
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].TotalCount).To(Equal(8))
			Expect(first.Stats().TotalCount).To(Equal(4))
		})

		It("keeps rotating after a transmission failure", func() {
			r.fail = func(n int, _ connector.Frame) error {
				if n%3 == 1 {
					return protocol.ErrAdvertiserBusy
				}
				return nil
			}
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())

			Eventually(func() uint64 { return job.Stats().Transmitted }).Should(BeNumerically(">=", 4))
			stats := job.Stats()
			Expect(stats.Failed).To(BeNumerically(">=", 1))
			var txErr *protocol.TransmissionError
			Expect(errors.As(stats.LastError, &txErr)).To(BeTrue())
			Expect(txErr.ChannelID).To(Equal("a"))
			Expect(errors.Is(stats.LastError, protocol.ErrAdvertiserBusy)).To(BeTrue())
		})

		It("reports transmissions that are not confirmed in time", func() {
			scheduler = rotation.NewScheduler(transport, rotation.Config{CompanyID: companyID, Period: period, TransmitTimeout: time.Millisecond})
			transport.EXPECT().Transmit(gomock.Any(), gomock.Any()).DoAndReturn(
				func(ctx context.Context, _ connector.Frame) (connector.Transmission, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}).AnyTimes()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Eventually(func() uint64 { return job.Stats().Failed }).Should(BeNumerically(">=", 2))
			Expect(errors.Is(job.Stats().LastError, protocol.ErrTransmissionTimeout)).To(BeTrue())
			Expect(protocol.MayHaveSucceeded(job.Stats().LastError)).To(BeTrue())
		})
	})

	Describe("Stop", func() {
		It("prevents any further transmission on the channel", func() {
			expectTransmissions()
			job, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(5 * 28), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.TotalCount()).To(Equal(5))
			Eventually(r.count).Should(BeNumerically(">=", 2))

			Expect(scheduler.Stop("a")).To(BeTrue())
			sent := r.count()
			Consistently(r.count, 10*period, period).Should(Equal(sent))
			Expect(r.stops()).To(Equal(sent))
		})

		It("leaves other channels running", func() {
			expectTransmissions()
			_, err := scheduler.Start(rotation.Request{ChannelID: "a", Payload: payload(100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())
			_, err = scheduler.Start(rotation.Request{ChannelID: "b", Payload: bytes.Repeat([]byte{0xbb}, 100), FrameBudget: 31})
			Expect(err).ToNot(HaveOccurred())

			scheduler.Stop("a")
			sent := r.count()
			Eventually(r.count).Should(BeNumerically(">", sent+2))
			for _, frame := range r.snapshot()[sent:] {
				Expect(frame[3]).To(Equal(byte(0xbb)))
			}
		})

		It("is a no-op for unknown channels", func() {
			Expect(scheduler.Stop("missing")).To(BeFalse())
		})
	})

	Describe("StopAll", func() {
		It("stops every channel", func() {
			expectTransmissions()
			for _, channel := range []string{"c", "a", "b"} {
				_, err := scheduler.Start(rotation.Request{ChannelID: channel, Payload: payload(100), FrameBudget: 31})
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(scheduler.StopAll()).To(Equal([]string{"a", "b", "c"}))
			sent := r.count()
			Consistently(r.count, 5*period, period).Should(Equal(sent))
			Expect(scheduler.Jobs()).To(BeEmpty())
		})

		It("is idempotent", func() {
			Expect(scheduler.StopAll()).To(BeEmpty())
			Expect(scheduler.StopAll()).To(BeEmpty())
		})
	})
})
