package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"splitter-service/internal/config"
	"splitter-service/internal/core"
	"splitter-service/internal/hardware"
	"splitter-service/internal/logger"
	"splitter-service/internal/messaging"
	"splitter-service/internal/relay"
)

func main() {
	var configPath string
	var serviceLogLevel int
	flag.StringVar(&configPath, "config", "/etc/splitter-service/config.yaml", "Path to the config file")
	flag.IntVar(&serviceLogLevel, "log", -1, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG), overrides config")

	flag.Parse()

	cfg, cfgErr := config.Load(configPath)

	level := cfg.LogLevel
	if serviceLogLevel >= 0 {
		level = serviceLogLevel
	}
	l := logger.New(logger.LogLevel(level))

	if cfgErr != nil {
		l.Warnf("Using default config: %v", cfgErr)
	}

	l.Infof("Starting splitter service...")

	port, err := relay.Open(cfg.Serial.Device, cfg.Serial.Baud)
	if err != nil {
		l.Fatalf("Failed to open relay board port: %v", err)
	}

	io := hardware.NewIO(hardware.IOConfig{
		Chip:    cfg.GPIO.Chip,
		Inputs:  inputMap(cfg),
		Outputs: cfg.GPIO.Outputs,
	}, l)

	pressure := hardware.NewPressureSensor(hardware.PressureConfig{
		Device:       cfg.Pressure.Device,
		Channel:      cfg.Pressure.Channel,
		VRef:         cfg.Pressure.VRef,
		MaxCounts:    cfg.Pressure.MaxCounts,
		SensorVMin:   cfg.Pressure.SensorVMin,
		SensorVMax:   cfg.Pressure.SensorVMax,
		FullScalePSI: cfg.Pressure.FullScalePSI,
		OffsetPSI:    cfg.Pressure.OffsetPSI,
		EMAAlpha:     cfg.Pressure.EMAAlpha,
		SampleEvery:  cfg.Pressure.SampleInterval(),
		ReadyWindow:  cfg.Pressure.ReadyWindow,
	}, l)

	redis := messaging.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	system := core.NewSplitterSystem(cfg, io, pressure, redis, port, l)
	if err := system.Start(ctx); err != nil {
		l.Fatalf("Failed to start system: %v", err)
	}

	go func() {
		if err := config.Watch(ctx, configPath, l, system.ApplyConfig); err != nil {
			l.Warnf("Config watcher stopped: %v", err)
		}
	}()

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	system.Shutdown()
	port.Close()
	l.Infof("Shutdown complete")
}

func inputMap(cfg *config.Config) map[int]hardware.InputConfig {
	inputs := make(map[int]hardware.InputConfig, len(cfg.GPIO.Inputs))
	for pin, pc := range cfg.GPIO.Inputs {
		inputs[pin] = hardware.InputConfig{
			Offset:         pc.Offset,
			NormallyClosed: pc.NormallyClosed,
		}
	}
	return inputs
}
