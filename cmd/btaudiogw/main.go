package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sebas/btaudiogw/internal/banner"
	"github.com/sebas/btaudiogw/internal/gateway/backend"
	"github.com/sebas/btaudiogw/internal/gateway/capability"
	"github.com/sebas/btaudiogw/internal/gateway/config"
	"github.com/sebas/btaudiogw/internal/gateway/endpoint"
	"github.com/sebas/btaudiogw/internal/gateway/eventloop"
	"github.com/sebas/btaudiogw/internal/gateway/listener"
	"github.com/sebas/btaudiogw/internal/gateway/protocol"
	"github.com/sebas/btaudiogw/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("Bluetooth Audio IPC Gateway", []banner.ConfigLine{
		{Label: "Socket", Value: cfg.SocketPath},
		{Label: "A2DP SEID max", Value: strconv.Itoa(cfg.A2DPSeidMax)},
		{Label: "Cap buffer size", Value: strconv.Itoa(cfg.CapBufferSize)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	devices, media, voice, sched := bootstrapFakeBackends()

	locks := endpoint.NewLockRegistry()
	proto := protocol.New(media, voice, locks, devices, protocol.Config{
		A2DPSeidMax:   byte(cfg.A2DPSeidMax),
		CapBufferSize: cfg.CapBufferSize,
	}, slog.Default())

	loop, err := eventloop.New()
	if err != nil {
		slog.Error("Failed to create event loop", "error", err)
		os.Exit(1)
	}
	defer loop.Close()

	lst, err := listener.New(cfg.SocketPath, loop, proto, media, voice, locks, slog.Default())
	if err != nil {
		slog.Error("Failed to create listener", "error", err)
		os.Exit(1)
	}
	if err := lst.Register(); err != nil {
		slog.Error("Failed to register listener", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go func() {
		<-sigChan
		slog.Info("Received signal, shutting down")
		close(stop)
	}()

	slog.Info("Audio gateway ready", "socket", cfg.SocketPath)
	for {
		select {
		case <-stop:
			lst.Shutdown()
			return
		default:
		}
		if err := loop.RunOnce(250); err != nil {
			slog.Error("Event loop error", "error", err)
			lst.Shutdown()
			return
		}
		sched.Flush()
	}
}

// bootstrapFakeBackends wires up the in-memory stand-ins for the real
// Bluetooth transports, pre-seeded with one SBC sink device, so the
// gateway has something to serve when it is not embedded in the real
// daemon.
func bootstrapFakeBackends() (*backend.FakeDeviceRegistry, *backend.MediaAdapter, *backend.VoiceAdapter, *backend.Scheduler) {
	registry := backend.NewFakeDeviceRegistry()
	registry.Add(backend.FakeDevice{
		Device: backend.Device{
			Object:      "/dev/demo",
			Source:      "AA:AA:AA:AA:AA:AA",
			Destination: "BB:BB:BB:BB:BB:BB",
			Connected:   true,
			ActiveSink:  true,
		},
		Endpoints: []capability.RemoteEndpoint{
			{
				SEID: 1,
				Capabilities: []capability.ServiceCapability{
					{
						Category: capability.CategoryMediaCodec,
						Codec: capability.Codec{
							Kind: capability.CodecSBC,
							SBC: capability.SBC{
								ChannelMode:       0x0f,
								SamplingFrequency: 0x03,
								AllocationMethod:  0x02,
								Subbands:          0x03,
								BlockLength:       0x0f,
								MinBitpool:        2,
								MaxBitpool:        53,
							},
						},
					},
				},
			},
		},
	})

	sched := backend.NewScheduler()
	mediaTransport := backend.NewFakeMediaTransport(registry, sched)
	voiceTransport := backend.NewFakeVoiceTransport(sched)

	return registry, backend.NewMediaAdapter(mediaTransport), backend.NewVoiceAdapter(voiceTransport), sched
}
