// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// settlement-sim deploys the settlement contracts on an in-process base ledger and plays a
// full rollup lifecycle against them: deposits, sequencer batches, a forced inclusion, an
// interactive dispute between an honest and a faulty validator, and withdrawals through the
// outbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"

	"github.com/offchainlabs/rollup-settlement/cmd/genericconf"
	"github.com/offchainlabs/rollup-settlement/cmd/util/confighelpers"
)

func main() {
	os.Exit(mainImpl())
}

// Returns the exit code
func mainImpl() int {
	ctx, cancelFunc := context.WithCancel(context.Background())
	defer cancelFunc()

	args := os.Args[1:]
	config, err := ParseSimConfig(args)
	if err != nil {
		confighelpers.PrintErrorAndExit(err, printSampleUsage)
	}
	pathResolver := genericconf.DefaultPathResolver("")
	if err := genericconf.InitLog(config.LogType, config.LogLevel, &config.FileLogging, pathResolver); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		return 1
	}
	defer func() {
		if err := genericconf.CloseLog(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logs: %v\n", err)
		}
	}()
	config.EventLog.Directory = pathResolver(config.EventLog.Directory)

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigint
		log.Info("shutting down because of sigint")
		cancelFunc()
	}()

	scenario, err := NewScenario(config)
	if err != nil {
		log.Error("error setting up scenario", "err", err)
		return 1
	}
	defer scenario.Close()

	summary, err := scenario.Run(ctx)
	if err != nil {
		log.Error("scenario failed", "err", err)
		return 1
	}
	log.Info(
		"scenario complete",
		"batches", summary.SequencerBatches,
		"delayed", summary.DelayedMessages,
		"blocks", summary.L2Blocks,
		"confirmedNode", summary.ConfirmedNode,
		"challenges", summary.Challenges,
		"withdrawals", summary.WithdrawalsExecuted,
		"rounds", summary.Rounds,
		"journaled", summary.Journaled,
	)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Error("error marshalling summary", "err", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}
