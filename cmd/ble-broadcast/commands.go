package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teslamotors/ble-broadcast/pkg/advertiser"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
)

const (
	hexPrefix           = "hex:"
	newChannel          = "new"
	defaultScanDuration = 10 * time.Second
)

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
	// holds is true if the command leaves broadcasts running that stop when the process exits.
	holds bool
}

// ParsePayload decodes DATA arguments. Arguments prefixed with "hex:" are hex-encoded; anything
// else is sent as UTF-8 text.
func ParsePayload(arg string) ([]byte, error) {
	if !strings.HasPrefix(arg, hexPrefix) {
		return []byte(arg), nil
	}
	payload, err := hex.DecodeString(strings.TrimPrefix(arg, hexPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex payload: %s", ErrCommandLineArgs, err)
	}
	return payload, nil
}

// ParseChannelID returns arg, or a random channel id if arg is "new".
func ParseChannelID(arg string) (string, error) {
	if strings.EqualFold(arg, newChannel) {
		return uuid.NewString(), nil
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return "", fmt.Errorf("%w: CHANNEL must be a UUID or '%s'", ErrCommandLineArgs, newChannel)
	}
	return id.String(), nil
}

func optionalDuration(args map[string]string, name string, fallback time.Duration) (time.Duration, error) {
	value, ok := args[name]
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive duration such as 250ms", ErrCommandLineArgs, name)
	}
	return d, nil
}

func execute(ctx context.Context, adv *advertiser.Advertiser, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, adv, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" [")
	}
	for _, arg := range c.optional {
		fmt.Printf(" %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Printf(" ]")
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func printMessage(m advertiser.Message) {
	kind := "frame"
	if m.Reassembled {
		kind = fmt.Sprintf("%d fragments", m.FragmentCount)
	}
	fmt.Printf("%s %s rssi=%d (%s): %q\n", m.ReceivedAt.Format(time.RFC3339), m.Sender, m.RSSI, kind, m.Payload)
}

var commands = map[string]*Command{
	"probe": &Command{
		help: "Measure the largest frame the adapter accepts. Fails while channels are broadcasting.",
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			budget, err := adv.ProbeFrameBudget(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Frame budget: %d bytes (%d payload bytes per frame)\n", budget, adv.PayloadBudget())
			return nil
		},
	},
	"send": &Command{
		help:  "Broadcast DATA on CHANNEL until stopped",
		holds: true,
		args: []Argument{
			Argument{name: "CHANNEL", help: "Channel UUID, or 'new' to generate one"},
			Argument{name: "DATA", help: "Payload text, or hex:-prefixed bytes (e.g., hex:0a0b0c)"},
		},
		optional: []Argument{
			Argument{name: "PERIOD", help: "Interval between fragments (e.g., 250ms)"},
		},
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			channelID, err := ParseChannelID(args["CHANNEL"])
			if err != nil {
				return err
			}
			payload, err := ParsePayload(args["DATA"])
			if err != nil {
				return err
			}
			options := adv.DefaultSendOptions()
			if options.Period, err = optionalDuration(args, "PERIOD", options.Period); err != nil {
				return err
			}
			result, err := adv.SendMessage(channelID, payload, options)
			if err != nil {
				return err
			}
			if result.Fragmented {
				fmt.Printf("%s: %s (%d fragments of up to %d bytes, message id %d)\n",
					result.ChannelID, result.Status, result.TotalCount, result.DataPerFragment, result.MessageID)
				if result.FirstError != nil {
					writeErr("First fragment not sent, retrying in rotation: %s", result.FirstError)
				}
			} else {
				fmt.Printf("%s: %s (%d bytes)\n", result.ChannelID, result.Status, result.DataPerFragment)
			}
			return nil
		},
	},
	"stop": &Command{
		help: "Stop broadcasting on CHANNEL",
		args: []Argument{
			Argument{name: "CHANNEL", help: "Channel UUID"},
		},
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			if !adv.StopChannel(args["CHANNEL"]) {
				fmt.Printf("%s was not broadcasting\n", args["CHANNEL"])
			}
			return nil
		},
	},
	"stop-all": &Command{
		help: "Stop every broadcast",
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			stopped := adv.StopAllChannels()
			fmt.Printf("Stopped %d channels\n", len(stopped))
			for _, id := range stopped {
				fmt.Printf("  %s\n", id)
			}
			return nil
		},
	},
	"scan": &Command{
		help: "Print messages received from nearby broadcasters",
		optional: []Argument{
			Argument{name: "DURATION", help: "How long to scan (default 10s)"},
		},
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			duration, err := optionalDuration(args, "DURATION", defaultScanDuration)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- adv.Scan(ctx)
			}()
			for {
				select {
				case m := <-adv.Messages():
					printMessage(m)
				case err := <-done:
					if errors.Is(err, context.DeadlineExceeded) {
						err = nil
					}
					if adv.Dropped() > 0 {
						writeErr("Dropped %d messages", adv.Dropped())
					}
					return err
				}
			}
		},
	},
	"status": &Command{
		help: "Print adapter capabilities",
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			caps := adv.Capabilities()
			fmt.Printf("Medium enabled:     %v\n", caps.MediumEnabled)
			fmt.Printf("Extended supported: %v\n", caps.ExtendedSupported)
			fmt.Printf("Frame budget:       %d bytes (probed: %v, extended: %v)\n", caps.FrameBudget, caps.Probed, caps.Extended)
			fmt.Printf("Payload budget:     %d bytes\n", adv.PayloadBudget())
			fmt.Printf("Partial messages:   %d\n", adv.Pending())
			return nil
		},
	},
	"channels": &Command{
		help: "List active broadcasts",
		handler: func(ctx context.Context, adv *advertiser.Advertiser, args map[string]string) error {
			channels := adv.Channels()
			if len(channels) == 0 {
				fmt.Println("No active broadcasts")
				return nil
			}
			for _, s := range channels {
				fmt.Printf("%s fragments=%d cursor=%d sent=%d failed=%d since=%s\n",
					s.ChannelID, s.TotalCount, s.Cursor, s.Transmitted, s.Failed, s.StartedAt.Format(time.RFC3339))
				if s.LastError != nil {
					fmt.Printf("    last error: %s\n", s.LastError)
				}
			}
			return nil
		},
	},
}
