package main

import (
	"context"

	"github.com/dboyd/gonvme"
	"github.com/dboyd/gonvme/internal/logging"
	"github.com/dboyd/gonvme/internal/memsvc"
	"github.com/dboyd/gonvme/internal/registry"
	"github.com/dboyd/gonvme/internal/sim"
)

// buildDemoController wires a fresh simulated controller (one namespace,
// sized per the --block-size/--blocks flags) to a driver Controller and
// runs it through Initialize, returning both halves so a subcommand can
// inspect the driver side and, if it needs to, reach into the simulation.
func buildDemoController() (*gonvme.Controller, *sim.Controller, error) {
	logCfg := logging.DefaultConfig()
	if verbose {
		logCfg.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logCfg)

	mem := memsvc.NewSim()
	simCfg := sim.Config{
		TO:     20, // 10s, generous for a demo binary
		DSTRD:  0,
		MPSMIN: 0,
		MQES:   255,
		MDTS:   5,
		CNTLID: 1,
		Namespaces: []sim.NamespaceData{
			{NSID: 1, BlockSize: blockSize, BlockCount: blockCount},
		},
	}
	simCtrl := sim.New(mem, simCfg, 0x2000)

	var opts []gonvme.Option
	if queueDepth != 0 {
		opts = append(opts, gonvme.WithQueueDepth(queueDepth))
	}

	reg := registry.New()
	drv := gonvme.NewController(simCtrl.Registers(), mem, nil, reg, logger, opts...)
	simCtrl.SetInterruptHandler(drv.HandleInterrupt)

	if err := drv.Initialize(context.Background()); err != nil {
		return nil, nil, err
	}
	return drv, simCtrl, nil
}
