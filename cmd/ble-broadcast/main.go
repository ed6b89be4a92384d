package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/advertiser"
	"github.com/teslamotors/ble-broadcast/pkg/cli"
	"github.com/teslamotors/ble-broadcast/pkg/connector"
	"github.com/teslamotors/ble-broadcast/pkg/connector/ble"
	"github.com/teslamotors/ble-broadcast/pkg/connector/sim"
	"github.com/teslamotors/ble-broadcast/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Broadcasts stop when the program exits. A send COMMAND given on the command line keeps
   broadcasting until interrupted.
 * Run without a COMMAND to start an interactive shell.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(adv *advertiser.Advertiser, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if args[0] == "scan" {
		// scan is bounded by its own DURATION argument.
		ctx, cancel = context.WithCancel(context.Background())
		defer cancel()
	}

	if err := execute(ctx, adv, args); err != nil {
		if protocol.MayHaveSucceeded(err) {
			writeErr("Couldn't verify success: %s", err)
		} else if protocol.Temporary(err) {
			writeErr("Failed to execute command (try again): %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(adv *advertiser.Advertiser, timeout time.Duration) int {
	prompt := func() {}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		prompt = func() { fmt.Printf("> ") }
	}
	scanner := bufio.NewScanner(os.Stdin)
	for prompt(); scanner.Scan(); prompt() {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(args[1])
					continue
				}
			}
			Usage()
			continue
		}
		runCommand(adv, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func openTransport(config *cli.Config, simulate bool) (connector.Transport, error) {
	if simulate {
		log.Info("Using simulated radio")
		return sim.NewMedium().NewRadio(sim.RadioConfig{}), nil
	}
	transport, err := ble.Open(config.TransportConfig())
	if err != nil {
		return nil, err
	}
	return transport, nil
}

func waitForInterrupt(adv *advertiser.Advertiser) {
	if len(adv.Channels()) == 0 {
		return
	}
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	defer signal.Stop(signalChan)
	log.Info("Broadcasting until interrupted")
	<-signalChan
	log.Info("Stopping broadcasts")
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		simulate       bool
		commandTimeout time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %s\n", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&simulate, "sim", false, "Use a simulated radio instead of a Bluetooth adapter")
	flag.DurationVar(&commandTimeout, "command-timeout", 5*time.Second, "Set timeout for commands.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if err := config.Load(); err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}
	if config.Debug {
		log.SetLevel(log.LevelDebug)
	}

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if len(args) == 1 {
				Usage()
				status = 0
				return
			}
			info, ok := commands[args[1]]
			if !ok {
				writeErr("Unrecognized command: %s", args[1])
				return
			}
			info.Usage(args[1])
			status = 0
			return
		}
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	advConfig, err := config.AdvertiserConfig()
	if err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}
	if err := config.ApplyCachedBudget(&advConfig, time.Now()); err != nil {
		writeErr("Error: %s", err)
		return
	}

	transport, err := openTransport(config, simulate)
	if err != nil {
		writeErr("Error: %s", err)
		if ble.IsAdapterError(err) {
			writeErr("%s", ble.AdapterErrorHelpMessage(err))
		}
		return
	}
	defer transport.Close()

	adv, err := advertiser.New(transport, advConfig)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}
	defer adv.Close()
	defer func() {
		config.UpdateCachedBudget(adv, time.Now())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adv.Start(ctx); err != nil {
		writeErr("Failed to probe frame budget: %s", err)
		return
	}

	if len(args) > 0 {
		status = runCommand(adv, args, commandTimeout)
		if status == 0 && commands[args[0]].holds {
			waitForInterrupt(adv)
		}
	} else {
		status = runInteractiveShell(adv, commandTimeout)
	}
}
