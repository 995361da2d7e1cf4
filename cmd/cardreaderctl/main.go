// Command cardreaderctl is a manual exercise tool for a card-less EMV
// reader: it opens the device, prints its serial number, and runs one
// poll-for-card cycle with a terminal spinner, cancelable with Ctrl-C.
//
// Grounded on test_app/src/main.rs's sample flow (open by fixed VID/PID,
// get_serial_number, poll_emv, print the result) and on cmd/*/main.go's
// flag-driven, single-file main pattern used across this repo's cmd/ tree.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/theckman/yacspin"

	"github.com/nigma143/cardreaders/cardreader"
	"github.com/nigma143/cardreaders/config"
)

func main() {
	cfgPath := flag.String("config", "", "path to a cardreader.yml override file")
	timeout := flag.Duration("poll-timeout", 30*time.Second, "how long to wait for a card before giving up")
	openTimeout := flag.Duration("open-timeout", 5*time.Second, "how long to retry opening the device before giving up")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("cardreaderctl: %v", err)
	}

	logger := log.New(os.Stderr, "cardreaderctl: ", log.LstdFlags)

	dev, err := cardreader.OpenWithRetry(cfg.VID, cfg.PID, *openTimeout, logger)
	if err != nil {
		color.Red("failed to open device %#04x:%#04x: %v", cfg.VID, cfg.PID, err)
		os.Exit(1)
	}
	defer dev.Close()

	dev.SetAckTimeout(time.Duration(cfg.AckTimeoutMs) * time.Millisecond)
	dev.SetWriteTimeout(time.Duration(cfg.WriteTimeoutMs) * time.Millisecond)
	dev.SetReadTimeout(time.Duration(cfg.ReadTimeoutMs) * time.Millisecond)

	dev.SetExternalDisplayCallback(func(text string) {
		color.Cyan("display: %s", text)
	})
	dev.SetCardRemovalCallback(func() {
		color.Yellow("card removed")
	})

	sn, err := dev.GetSerialNumber()
	if err != nil {
		color.Red("get serial number: %v", err)
		os.Exit(1)
	}
	color.Green("serial number: %s", sn)

	cfgSpin := yacspin.Config{
		Frequency:       120 * time.Millisecond,
		CharSet:         yacspin.CharSets[9],
		Suffix:          " waiting for card",
		SuffixAutoColon: true,
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	}
	spinner, err := yacspin.New(cfgSpin)
	if err != nil {
		log.Fatalf("cardreaderctl: spinner: %v", err)
	}
	if err := spinner.Start(); err != nil {
		log.Fatalf("cardreaderctl: spinner: %v", err)
	}

	cancel := cardreader.NewCancelFlag()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel.Cancel()
	}()

	deadline := time.AfterFunc(*timeout, cancel.Cancel)
	result, err := dev.PollEMV(nil, cancel)
	deadline.Stop()

	_ = spinner.Stop()

	switch {
	case err != nil:
		color.Red("poll failed: %v", err)
		os.Exit(1)
	case result.Canceled:
		color.Yellow("poll canceled")
	default:
		color.Green("card result:\n%s", result.TLV.String())
	}
}
