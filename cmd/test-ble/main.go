package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/advertiser"
	"github.com/teslamotors/ble-broadcast/pkg/cli"
	"github.com/teslamotors/ble-broadcast/pkg/connector/ble"
)

var (
	btAdapter = flag.String("btAdapter", "", "Optional ID of Bluetooth adapter to use (Linux only)")
	testScan  = flag.Bool("testScan", false, "Also test BLE scan")
	companyID = flag.Uint("companyID", uint(cli.DefaultCompanyID), "Manufacturer id to probe and scan with")
)

func main() {
	flag.Parse()
	log.SetLevel(log.LevelDebug)

	if *btAdapter != "" {
		log.Info("Trying to use BLE adapter: %s", *btAdapter)
	} else {
		log.Info("Using first available BLE device")
	}
	transport, err := ble.Open(ble.Config{AdapterID: *btAdapter})
	if err != nil {
		log.Error("Failed to initialize BLE device: %v", err)
		if ble.IsAdapterError(err) {
			log.Error("%s", ble.AdapterErrorHelpMessage(err))
		}
		return
	}
	defer transport.Close()
	log.Info("BLE adapter initialized")

	adv, err := advertiser.New(transport, advertiser.DefaultConfig(uint16(*companyID)))
	if err != nil {
		log.Error("Invalid configuration: %v", err)
		return
	}
	defer adv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adv.Start(ctx); err != nil {
		log.Error("Failed to probe frame budget: %v", err)
		return
	}
	caps := adv.Capabilities()
	log.Info("Frame budget: %d bytes (extended supported: %v)", caps.FrameBudget, caps.ExtendedSupported)

	if !*testScan {
		return
	}

	doneChan := make(chan struct{})
	go func() {
		if err := adv.Scan(ctx); err != nil {
			log.Error("Scan failed: %v", err)
		}
		close(doneChan)
	}()
	log.Info("Scanning for company id 0x%04x until interrupted", *companyID)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	for {
		select {
		case m := <-adv.Messages():
			log.Info("Received %d bytes from %s (rssi %d)", len(m.Payload), m.Sender, m.RSSI)
		case <-signalChan:
			log.Info("Stopping scan")
			cancel()
			<-doneChan
			return
		case <-doneChan:
			return
		}
	}
}
