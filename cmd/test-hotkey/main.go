// Command test-hotkey is a manual test for the global toggle hotkey.
// Run it, then press Ctrl+Shift+N to see pause/resume events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--keys ctrl+shift+n]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/gonuimo/internal/hotkey"
)

func main() {
	combo := flag.String("keys", "ctrl+shift+n", "hotkey combination, joined with +")
	flag.Parse()

	keys := strings.Split(*combo, "+")
	fmt.Printf("Listening for %s...\n", *combo)
	fmt.Println("Press Ctrl+C to exit.")

	listener := hotkey.NewListener(keys)

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			switch ev.Type {
			case hotkey.EventPause:
				fmt.Println("||  PAUSE  (bindings off)")
			case hotkey.EventResume:
				fmt.Println(">>  RESUME (bindings on)")
			}
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
