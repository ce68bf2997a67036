// Command test-matrix is a manual test for a real Nuimo. It connects to the
// first controller it finds, prints its gestures and cycles a few matrices.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-matrix [--brightness 0.5] [--interval 2s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/gonuimo/internal/ble"
	"github.com/chaz8081/gonuimo/internal/device"
	"github.com/chaz8081/gonuimo/internal/loop"
	"github.com/chaz8081/gonuimo/internal/matrix"
	"github.com/chaz8081/gonuimo/internal/nuimo"
)

var frames = []matrix.Matrix{
	matrix.Parse("" +
		"    *    " +
		"   ***   " +
		"  *****  " +
		" ******* " +
		"*********" +
		"   ***   " +
		"   ***   " +
		"   ***   " +
		"   ***   "),
	matrix.VerticalBar(0.5),
	matrix.VolumeBar(0.75),
	matrix.Busy,
}

type firstController struct {
	nuimo.NopDiscoveryObserver
	found chan *nuimo.BluetoothController
}

func (f firstController) ControllerDiscovered(c *nuimo.BluetoothController) {
	select {
	case f.found <- c:
	default:
	}
}

func main() {
	brightness := flag.Float64("brightness", 1.0, "matrix brightness, 0..1")
	interval := flag.Duration("interval", 2*time.Second, "time each matrix is shown")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := ble.NewTinygoHost()
	if err := host.Enable(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	l := loop.New(loop.Options{})
	l.Start(context.Background())

	connected := make(chan struct{}, 1)
	observer := nuimo.ObserverFunc(func(c nuimo.Controller, ev nuimo.Event) {
		switch e := ev.(type) {
		case nuimo.ConnectionStateEvent:
			fmt.Printf("state: %s -> %s\n", e.From, e.State)
			if e.State == device.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		case nuimo.GestureEvent:
			fmt.Printf("gesture: %s\n", e.Event)
		case nuimo.BatteryLevelEvent:
			fmt.Printf("battery: %d%%\n", e.Level)
		case nuimo.FirmwareVersionEvent:
			fmt.Printf("firmware: %s\n", e.Version)
		case nuimo.MatrixDisplayedEvent:
			fmt.Println("matrix displayed")
		}
	})

	first := firstController{found: make(chan *nuimo.BluetoothController, 1)}
	disc := nuimo.NewDiscovery(l, host, nuimo.DiscoveryOptions{
		Observer:   first,
		Controller: nuimo.Options{MatrixBrightness: brightness, Observer: observer},
	})
	defer disc.Close()

	fmt.Println("Scanning for a Nuimo...")
	disc.Start(false)

	var c *nuimo.BluetoothController
	select {
	case c = <-first.found:
	case <-ctx.Done():
		return
	}
	disc.Stop()
	fmt.Printf("Found %s, connecting...\n", c.ID())
	c.Connect(false)

	select {
	case <-connected:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if err := c.DisplayMatrix(frames[i%len(frames)], *interval, matrix.WriteOptions{WithFadeTransition: true}); err != nil {
			fmt.Printf("display: %v\n", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			c.Disconnect()
			return
		}
	}
}
