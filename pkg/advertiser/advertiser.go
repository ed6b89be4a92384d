// Package advertiser broadcasts payloads of arbitrary size over BLE advertisements and rebuilds
// the payloads broadcast by nearby devices.
//
// An Advertiser owns the frame budget, the rotation of outgoing messages, and the reassembly of
// incoming ones. It is the only component that talks to a connector.Transport directly.
package advertiser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/fragment"
	"github.com/teslamotors/ble-broadcast/pkg/probe"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
	"github.com/teslamotors/ble-broadcast/pkg/reassembly"
	"github.com/teslamotors/ble-broadcast/pkg/rotation"
)

const (
	StatusMultiPacketStarted = "multi_packet_broadcast_started"
	StatusStarted            = "broadcast_started"

	DefaultMessageBuffer = 32
)

var ErrAlreadyStarted = errors.New("advertiser already started")

// Config controls an Advertiser.
type Config struct {
	CompanyID uint16
	// Period is the default interval between fragment transmissions.
	Period          time.Duration
	TransmitTimeout time.Duration

	ReassemblyTimeout time.Duration
	SweepInterval     time.Duration

	ProbeTimeout time.Duration
	ProbeDelay   time.Duration
	// PreferExtended allows the frame budget probe to use extended advertising.
	PreferExtended bool
	// FrameOverhead is subtracted from the probed frame budget before payloads are split.
	FrameOverhead int
	// FrameBudget, if non-zero, is adopted by Start instead of probing, typically from a previous
	// probe of the same adapter.
	FrameBudget int

	// Options are used for sends that do not supply their own.
	Options       connector.Options
	MessageBuffer int
}

// DefaultConfig returns the configuration used for companyID unless overridden.
func DefaultConfig(companyID uint16) Config {
	return Config{
		CompanyID:         companyID,
		Period:            rotation.DefaultPeriod,
		TransmitTimeout:   rotation.DefaultTransmitTimeout,
		ReassemblyTimeout: reassembly.DefaultTimeout,
		SweepInterval:     reassembly.DefaultSweepInterval,
		ProbeTimeout:      probe.DefaultAttemptTimeout,
		ProbeDelay:        probe.DefaultDelay,
		PreferExtended:    true,
		Options:           connector.DefaultOptions(),
		MessageBuffer:     DefaultMessageBuffer,
	}
}

// SendOptions tune a single SendMessage call. A zero Period selects the configured default.
type SendOptions struct {
	Options connector.Options
	Period  time.Duration
}

// SendResult describes a broadcast that was started.
type SendResult struct {
	ChannelID       string
	Status          string
	Fragmented      bool
	TotalCount      int
	MessageID       uint8
	DataPerFragment int
	FrameBudget     int
	// FirstError is set if the first fragment of a fragmented broadcast was not transmitted. The
	// rotation keeps running and retries it on the next cycle.
	FirstError error
}

// Message is a payload received from a nearby device.
type Message struct {
	Sender        string
	Payload       []byte
	Reassembled   bool
	FragmentCount int
	RSSI          int
	Extended      bool
	ReceivedAt    time.Time
}

// Capabilities describes the local radio.
type Capabilities struct {
	ExtendedSupported bool
	MediumEnabled     bool
	FrameBudget       int
	Extended          bool
	Probed            bool
}

// Advertiser broadcasts and receives payloads through a transport.
type Advertiser struct {
	transport connector.Transport
	config    Config
	prober    *probe.Prober
	scheduler *rotation.Scheduler
	store     *reassembly.Store
	messages  chan Message

	// airLock is held exclusively while probing and shared while starting broadcasts, since probe
	// frames need the advertising slot to themselves.
	airLock sync.RWMutex

	lock    sync.Mutex
	budget  int
	probed  bool
	enabled bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
	dropped uint64
}

// New returns an Advertiser that uses transport. The transport must outlive the Advertiser; Close
// does not close it.
func New(transport connector.Transport, config Config) (*Advertiser, error) {
	if transport == nil {
		return nil, protocol.ErrTransportUnavailable
	}
	if config.CompanyID == 0 {
		return nil, fmt.Errorf("%w: 0x%04x is reserved", protocol.ErrInvalidCompanyID, config.CompanyID)
	}
	if config.FrameBudget != 0 && (config.FrameBudget < probe.LegacyRange.Min || config.FrameBudget > probe.ExtendedRange.Max) {
		return nil, fmt.Errorf("frame budget %d outside [%d, %d]", config.FrameBudget, probe.LegacyRange.Min, probe.ExtendedRange.Max)
	}
	if config.MessageBuffer <= 0 {
		config.MessageBuffer = DefaultMessageBuffer
	}

	probeConfig := probe.DefaultConfig()
	probeConfig.CompanyID = config.CompanyID
	probeConfig.AttemptTimeout = config.ProbeTimeout
	probeConfig.Delay = config.ProbeDelay
	probeConfig.Options = config.Options
	probeConfig.LegacyOnly = !config.PreferExtended

	return &Advertiser{
		transport: transport,
		config:    config,
		prober:    probe.New(transport, probeConfig),
		scheduler: rotation.NewScheduler(transport, rotation.Config{
			CompanyID:       config.CompanyID,
			Period:          config.Period,
			TransmitTimeout: config.TransmitTimeout,
		}),
		store:    reassembly.NewStore(config.ReassemblyTimeout),
		messages: make(chan Message, config.MessageBuffer),
		budget:   probe.DefaultBudget,
	}, nil
}

// Start launches the reassembly sweeper and, if the transport reports power state changes, the
// power monitor. If the medium is enabled, Start then probes the frame budget, which may take
// several seconds. Background tasks run until ctx is canceled or Close is called.
func (a *Advertiser) Start(ctx context.Context) error {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return protocol.ErrTransportUnavailable
	}
	if a.started {
		a.lock.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.enabled = a.transport.MediumEnabled()
	enabled := a.enabled
	ctx, a.cancel = context.WithCancel(ctx)
	a.lock.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.store.RunSweeper(ctx, a.config.SweepInterval, nil)
	}()

	if notifier, ok := a.transport.(connector.PowerNotifier); ok {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.watchPower(ctx, notifier.PowerEvents())
		}()
	}

	if !enabled {
		log.Warning("Broadcast medium is disabled; frame budget will be probed once it is enabled")
		return nil
	}
	if budget := a.config.FrameBudget; budget > 0 {
		if budget <= probe.LegacyRange.Max || a.transport.ExtendedFramingSupported() {
			a.lock.Lock()
			a.budget = budget
			a.lock.Unlock()
			log.Info("Using frame budget of %d bytes without probing", budget)
			return nil
		}
		log.Warning("Ignoring frame budget of %d bytes: extended advertising is unsupported", budget)
	}
	_, err := a.ProbeFrameBudget(ctx)
	return err
}

func (a *Advertiser) watchPower(ctx context.Context, events <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case enabled, ok := <-events:
			if !ok {
				return
			}
			a.setEnabled(ctx, enabled)
		}
	}
}

func (a *Advertiser) setEnabled(ctx context.Context, enabled bool) {
	a.lock.Lock()
	was := a.enabled
	a.enabled = enabled
	a.lock.Unlock()

	if !enabled {
		stopped := a.scheduler.StopAll()
		log.Warning("Broadcast medium disabled, stopped %d channels", len(stopped))
		return
	}
	if !was {
		log.Info("Broadcast medium enabled, probing frame budget")
		if _, err := a.ProbeFrameBudget(ctx); err != nil {
			log.Warning("Failed to probe frame budget: %s", err)
		}
	}
}

// ProbeFrameBudget measures the largest frame the radio accepts and adopts it as the frame
// budget. It fails with protocol.ErrAdvertiserBusy while any channel is broadcasting. Calls to
// SendMessage made while a probe runs wait for it to finish and use the new budget.
func (a *Advertiser) ProbeFrameBudget(ctx context.Context) (int, error) {
	if err := a.usable(); err != nil {
		return 0, err
	}
	a.airLock.Lock()
	defer a.airLock.Unlock()

	if jobs := a.scheduler.Jobs(); len(jobs) > 0 {
		return 0, fmt.Errorf("%w: %d channels are broadcasting", protocol.ErrAdvertiserBusy, len(jobs))
	}
	budget := a.prober.Probe(ctx)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.lock.Lock()
	a.budget = budget
	a.probed = true
	a.lock.Unlock()
	return budget, nil
}

func (a *Advertiser) usable() error {
	a.lock.Lock()
	closed := a.closed
	a.lock.Unlock()
	if closed {
		return protocol.ErrTransportUnavailable
	}
	if !a.transport.MediumEnabled() {
		return protocol.ErrMediumDisabled
	}
	return nil
}

// FrameBudget returns the largest frame, in bytes, the radio is known to accept.
func (a *Advertiser) FrameBudget() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.budget
}

func (a *Advertiser) extended() bool {
	return a.FrameBudget() > probe.LegacyRange.Max
}

// PayloadBudget returns the number of payload bytes that fit in a single frame once the
// configured overhead is subtracted from the frame budget.
func (a *Advertiser) PayloadBudget() int {
	return a.FrameBudget() - a.config.FrameOverhead
}

// DefaultSendOptions returns the options SendMessage uses when it is given none.
func (a *Advertiser) DefaultSendOptions() SendOptions {
	return SendOptions{Options: a.config.Options, Period: a.config.Period}
}

// SendMessage broadcasts payload on channelID until the channel is stopped, replacing any
// broadcast already running on that channel. channelID must be a UUID.
//
// A payload that fits in one fragment of the payload budget is advertised as a single frame.
// Larger payloads are split into fragments that are advertised in rotation. Payloads that need
// more fragments than the wire format allows are rejected before anything is transmitted.
func (a *Advertiser) SendMessage(channelID string, payload []byte, options SendOptions) (*SendResult, error) {
	if _, err := uuid.Parse(channelID); err != nil {
		return nil, fmt.Errorf("%w: '%s'", protocol.ErrInvalidChannelID, channelID)
	}
	if len(payload) == 0 {
		return nil, protocol.ErrEmptyPayload
	}
	a.airLock.RLock()
	defer a.airLock.RUnlock()
	if err := a.usable(); err != nil {
		return nil, err
	}

	frameOptions := options.Options
	frameOptions.Extended = a.extended()
	if options.Options.Extended && !frameOptions.Extended {
		log.Debug("Extended advertising unavailable, sending legacy frames on channel %s", channelID)
	}

	budget := a.PayloadBudget()
	job, err := a.scheduler.Start(rotation.Request{
		ChannelID:   channelID,
		Payload:     payload,
		FrameBudget: budget,
		Period:      options.Period,
		Options:     frameOptions,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{
		ChannelID:   channelID,
		Status:      StatusStarted,
		Fragmented:  job.Fragmented(),
		TotalCount:  job.TotalCount(),
		MessageID:   job.MessageID(),
		FrameBudget: budget,
	}
	if job.Fragmented() {
		result.Status = StatusMultiPacketStarted
		result.DataPerFragment = budget - fragment.HeaderSize
		if result.FirstError = job.FirstError(); result.FirstError != nil {
			log.Warning("Channel %s started without its first fragment: %s", channelID, result.FirstError)
		}
	} else {
		result.DataPerFragment = len(payload)
	}
	return result, nil
}

// StopChannel stops the broadcast on channelID. It returns false if the channel was idle.
func (a *Advertiser) StopChannel(channelID string) bool {
	return a.scheduler.Stop(channelID)
}

// StopAllChannels stops every broadcast and returns the channels that were stopped.
func (a *Advertiser) StopAllChannels() []string {
	return a.scheduler.StopAll()
}

// Channels returns the progress of every active broadcast.
func (a *Advertiser) Channels() []rotation.Stats {
	return a.scheduler.Jobs()
}

// Scan listens for broadcasts carrying the configured company id until ctx is canceled.
// Received payloads are delivered on Messages.
func (a *Advertiser) Scan(ctx context.Context) error {
	if err := a.usable(); err != nil {
		return err
	}
	log.Info("Scanning for company id 0x%04x", a.config.CompanyID)
	err := a.transport.Scan(ctx, a.config.CompanyID, a.handleAdvertisement)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Advertiser) handleAdvertisement(ad connector.Advertisement) {
	now := time.Now()
	outcome := a.store.Ingest(ad.Sender, ad.Data, now)
	if outcome.Kind == reassembly.Pending {
		return
	}
	message := Message{
		Sender:        ad.Sender,
		Payload:       outcome.Payload,
		Reassembled:   outcome.Kind == reassembly.Complete,
		FragmentCount: outcome.TotalCount,
		RSSI:          ad.RSSI,
		Extended:      ad.Extended,
		ReceivedAt:    now,
	}

	a.lock.Lock()
	defer a.lock.Unlock()
	select {
	case a.messages <- message:
	default:
		a.dropped++
		log.Error("Dropped %d byte message from %s: receive buffer full", len(message.Payload), message.Sender)
	}
}

// Messages returns the channel on which received payloads are delivered. Messages that arrive
// while the channel is full are dropped.
func (a *Advertiser) Messages() <-chan Message {
	return a.messages
}

// Dropped returns the number of received messages discarded because Messages was full.
func (a *Advertiser) Dropped() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.dropped
}

// Pending returns the number of messages that are partially reassembled.
func (a *Advertiser) Pending() int {
	return a.store.Pending()
}

// Capabilities reports what the radio supports.
func (a *Advertiser) Capabilities() Capabilities {
	a.lock.Lock()
	budget, probed := a.budget, a.probed
	a.lock.Unlock()
	return Capabilities{
		ExtendedSupported: a.transport.ExtendedFramingSupported(),
		MediumEnabled:     a.transport.MediumEnabled(),
		FrameBudget:       budget,
		Extended:          budget > probe.LegacyRange.Max,
		Probed:            probed,
	}
}

// Close stops every broadcast and background task.
func (a *Advertiser) Close() {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return
	}
	a.closed = true
	cancel := a.cancel
	a.lock.Unlock()

	a.scheduler.StopAll()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}
