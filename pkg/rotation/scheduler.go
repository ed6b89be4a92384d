// Package rotation keeps messages on air by cycling through their fragments.
//
// There is no acknowledgement channel, and receivers may start listening at any time, so a
// fragmented message is retransmitted indefinitely: each tick takes the previous fragment off air
// and advertises the next one, wrapping around after the last. A message that fits in a single
// fragment is advertised once and held until stopped.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/fragment"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

const (
	DefaultPeriod          = 500 * time.Millisecond
	DefaultTransmitTimeout = 500 * time.Millisecond
)

// Config controls a Scheduler.
type Config struct {
	CompanyID uint16
	// Period is used for jobs started without an explicit period.
	Period time.Duration
	// TransmitTimeout bounds how long a tick waits for the radio to confirm a frame.
	TransmitTimeout time.Duration
}

// Request describes a message to keep on air.
type Request struct {
	ChannelID   string
	Payload     []byte
	FrameBudget int
	Period      time.Duration
	Options     connector.Options
}

// Stats is a snapshot of a job's progress.
type Stats struct {
	ChannelID   string
	TotalCount  int
	MessageID   uint8
	Fragmented  bool
	Cursor      int
	Transmitted uint64
	Failed      uint64
	LastError   error
	StartedAt   time.Time
}

// Job is an active rotation. It is owned by the Scheduler that created it.
type Job struct {
	channelID  string
	messageID  uint8
	fragmented bool
	frames     [][]byte
	period     time.Duration
	startedAt  time.Time

	scheduler *Scheduler
	options   connector.Options

	// ticking serializes transmissions. lock guards the fields below and is never held while the
	// radio is busy.
	ticking sync.Mutex

	lock        sync.Mutex
	task        *Task
	stopped     bool
	cursor      int
	current     connector.Transmission
	transmitted uint64
	failed      uint64
	lastErr     error
	firstErr    error
}

// ChannelID returns the channel the job broadcasts on.
func (j *Job) ChannelID() string {
	return j.channelID
}

// TotalCount returns the number of frames the job cycles through.
func (j *Job) TotalCount() int {
	return len(j.frames)
}

// MessageID returns the id shared by the job's fragments.
func (j *Job) MessageID() uint8 {
	return j.messageID
}

// FirstError returns the error, if any, from the transmission made by Start. A fragmented job keeps
// rotating after its first fragment fails.
func (j *Job) FirstError() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.firstErr
}

// Fragmented returns false if the job holds a single frame on air.
func (j *Job) Fragmented() bool {
	return j.fragmented
}

// Period returns the interval between fragment transmissions.
func (j *Job) Period() time.Duration {
	return j.period
}

// Stats returns a snapshot of the job's progress.
func (j *Job) Stats() Stats {
	j.lock.Lock()
	defer j.lock.Unlock()
	return Stats{
		ChannelID:   j.channelID,
		TotalCount:  len(j.frames),
		MessageID:   j.messageID,
		Fragmented:  j.fragmented,
		Cursor:      j.cursor,
		Transmitted: j.transmitted,
		Failed:      j.failed,
		LastError:   j.lastErr,
		StartedAt:   j.startedAt,
	}
}

// tick replaces the frame currently on air with the next one.
func (j *Job) tick(ctx context.Context) error {
	j.ticking.Lock()
	defer j.ticking.Unlock()

	j.lock.Lock()
	if j.stopped || (!j.fragmented && j.current != nil) {
		j.lock.Unlock()
		return nil
	}
	previous := j.current
	j.current = nil
	index := j.cursor
	j.cursor = (j.cursor + 1) % len(j.frames)
	j.lock.Unlock()

	if previous != nil {
		if err := previous.Stop(); err != nil {
			log.Warning("Failed to stop fragment on channel %s: %s", j.channelID, err)
		}
	}

	tx, err := j.scheduler.transmit(ctx, j.frames[index], j.options)

	j.lock.Lock()
	defer j.lock.Unlock()
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, protocol.ErrTransmissionTimeout) {
			// The job is being stopped.
			return nil
		}
		j.failed++
		j.lastErr = &protocol.TransmissionError{ChannelID: j.channelID, Index: index, Err: err}
		log.Warning("%s", j.lastErr)
		return j.lastErr
	}
	j.current = tx
	j.transmitted++
	log.Debug("Channel %s: transmitted frame %d/%d", j.channelID, index+1, len(j.frames))
	return nil
}

// stop cancels the job's timer, waits for any tick in progress, and then takes the current frame
// off air. No tick transmits once stop has been called.
func (j *Job) stop() {
	j.lock.Lock()
	j.stopped = true
	task := j.task
	j.lock.Unlock()

	if task != nil {
		task.Stop()
	}
	j.ticking.Lock()
	defer j.ticking.Unlock()
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.current != nil {
		if err := j.current.Stop(); err != nil {
			log.Warning("Failed to stop transmission on channel %s: %s", j.channelID, err)
		}
		j.current = nil
	}
}

// Scheduler runs at most one rotation per channel.
type Scheduler struct {
	transport connector.Transport
	config    Config

	lock sync.Mutex
	jobs map[string]*Job
}

// NewScheduler returns a Scheduler that transmits through transport.
func NewScheduler(transport connector.Transport, config Config) *Scheduler {
	if config.Period <= 0 {
		config.Period = DefaultPeriod
	}
	if config.TransmitTimeout <= 0 {
		config.TransmitTimeout = DefaultTransmitTimeout
	}
	return &Scheduler{
		transport: transport,
		config:    config,
		jobs:      make(map[string]*Job),
	}
}

func (s *Scheduler) transmit(ctx context.Context, data []byte, options connector.Options) (connector.Transmission, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.TransmitTimeout)
	defer cancel()
	tx, err := s.transport.Transmit(ctx, connector.Frame{
		CompanyID: s.config.CompanyID,
		Data:      data,
		Options:   options,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", protocol.ErrTransmissionTimeout, err)
	}
	return tx, err
}

// Start puts req.Payload on air under req.ChannelID, replacing any job already running on that
// channel.
//
// A payload that fits in one fragment of req.FrameBudget bytes is advertised as a single frame
// with a total count of 1 and held on air. Larger payloads are split into fragments that are
// advertised in turn, one per period.
//
// The first frame is transmitted before Start returns. If it is the only frame and the radio
// rejects it, Start returns the error and no job is left running. Failures of later fragments are
// recorded in the job's Stats and the rotation continues; the failure of a first fragment is also
// reported by FirstError.
//
// The job table is not locked while frames are transmitted. A replaced job is taken off air before
// its replacement transmits.
func (s *Scheduler) Start(req Request) (*Job, error) {
	job, err := s.newJob(req)
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	old, replaced := s.jobs[req.ChannelID]
	s.jobs[req.ChannelID] = job
	s.lock.Unlock()

	if replaced {
		old.stop()
		log.Info("Replaced rotation on channel %s", req.ChannelID)
	}

	err = job.tick(context.Background())
	if err != nil && !job.fragmented {
		s.remove(req.ChannelID, job)
		return nil, err
	}

	job.lock.Lock()
	job.firstErr = err
	if job.fragmented && !job.stopped {
		job.task = Repeat(context.Background(), job.period, func(ctx context.Context) {
			_ = job.tick(ctx)
		})
	}
	job.lock.Unlock()

	if job.fragmented {
		log.Info("Started rotation of %d fragments (message %d) on channel %s every %s", len(job.frames), job.messageID, job.channelID, job.period)
	} else {
		log.Info("Started broadcast of %d bytes on channel %s", len(req.Payload), job.channelID)
	}
	return job, nil
}

// remove deletes job from the job table if it is still the job running on channelID.
func (s *Scheduler) remove(channelID string, job *Job) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.jobs[channelID] == job {
		delete(s.jobs, channelID)
	}
}

func (s *Scheduler) newJob(req Request) (*Job, error) {
	if len(req.Payload) == 0 {
		return nil, protocol.ErrEmptyPayload
	}
	period := req.Period
	if period <= 0 {
		period = s.config.Period
	}
	fragments, err := fragment.Split(req.Payload, req.FrameBudget)
	if err != nil {
		return nil, err
	}
	job := &Job{
		channelID:  req.ChannelID,
		messageID:  fragments[0].MessageID,
		fragmented: len(fragments) > 1,
		frames:     make([][]byte, len(fragments)),
		period:     period,
		options:    req.Options,
		scheduler:  s,
		startedAt:  time.Now(),
	}
	for i := range fragments {
		job.frames[i] = fragments[i].Encode()
	}
	return job, nil
}

// Stop ends the rotation on channelID. No frame for the channel is transmitted after Stop
// returns. Stop returns false if the channel had no job.
func (s *Scheduler) Stop(channelID string) bool {
	s.lock.Lock()
	job, ok := s.jobs[channelID]
	delete(s.jobs, channelID)
	s.lock.Unlock()
	if !ok {
		return false
	}
	job.stop()
	log.Info("Stopped rotation on channel %s", channelID)
	return true
}

// StopAll ends every rotation and returns the channels that were stopped, sorted.
func (s *Scheduler) StopAll() []string {
	s.lock.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*Job)
	s.lock.Unlock()

	stopped := make([]string, 0, len(jobs))
	for channelID, job := range jobs {
		job.stop()
		stopped = append(stopped, channelID)
	}
	sort.Strings(stopped)
	if len(stopped) > 0 {
		log.Info("Stopped %d rotations", len(stopped))
	}
	return stopped
}

// Job returns the active job for channelID.
func (s *Scheduler) Job(channelID string) (*Job, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	job, ok := s.jobs[channelID]
	return job, ok
}

// Jobs returns a snapshot of every active job, sorted by channel.
func (s *Scheduler) Jobs() []Stats {
	s.lock.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.lock.Unlock()

	stats := make([]Stats, len(jobs))
	for i, job := range jobs {
		stats[i] = job.Stats()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ChannelID < stats[j].ChannelID })
	return stats
}
