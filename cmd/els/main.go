// els is the electronic lead screw host. It runs the control loop over
// the configured lathe, serves the web interface and metrics, and talks
// to the operator pendant over serial.
//
// Usage:
//
//	els -config ~/lathe.cfg [options]
//
// Options:
//
//	-config string   Lathe configuration file (required)
//	-web string      Web interface address (overrides [web] listen)
//	-metrics string  Metrics address (overrides [metrics] listen)
//	-device string   Pendant serial device (overrides [hmi_serial] device)
//	-logfile string  Log file path with rotation (default: stderr)
//	-debug           Enable debug logging
//
// Examples:
//
//	# Bench run on simulated hardware, web UI on the default port
//	els -config ./lathe.cfg
//
//	# Pendant on a USB serial adapter
//	els -config ./lathe.cfg -device /dev/ttyUSB0
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"els-go/pkg/config"
	"els-go/pkg/host"
	"els-go/pkg/log"
	"els-go/pkg/motion"
)

func main() {
	configFile := flag.String("config", "", "Lathe configuration file (required)")
	webAddr := flag.String("web", "", "Web interface address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Metrics address (overrides config)")
	device := flag.String("device", "", "Pendant serial device (overrides config)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("els")
	if *debug {
		logger.SetLevel(log.DEBUG)
	}
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}
	log.SetDefaultLogger(logger)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}
	lathe, err := config.LoadLathe(cfg)
	if err != nil {
		logger.Error("config: %v", err)
		os.Exit(1)
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		logger.Warn("config: %v", err)
	}

	if *webAddr != "" {
		lathe.WebListen = *webAddr
	}
	if *metricsAddr != "" {
		lathe.MetricsListen = *metricsAddr
	}
	if *device != "" {
		lathe.HMIDevice = *device
	}

	logger.Info("config: %s", *configFile)
	logger.Info("z axis: %d steps/rev, %.3fmm screw", lathe.AxisZ.MotorSteps,
		float64(lathe.AxisZ.ScrewPitchDU)/10000.0)
	logger.Info("x axis: %d steps/rev, %.3fmm screw", lathe.AxisX.MotorSteps,
		float64(lathe.AxisX.ScrewPitchDU)/10000.0)
	logger.Info("encoder: %d PPR", lathe.Encoder.PPR)

	// Simulated step lines and counters on the wall clock; a port to
	// real GPIO supplies its own Hardware here.
	hw := motion.SimHardware()
	hw.Clock = motion.NewSystemClock()

	machine, err := host.NewMachine(lathe, hw)
	if err != nil {
		logger.Error("machine: %v", err)
		os.Exit(1)
	}
	if err := machine.Start(); err != nil {
		logger.Error("start: %v", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	machine.Stop()
}
