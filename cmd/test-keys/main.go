// Command test-keys is a manual test for gesture key bindings.
// It waits 3 seconds, then taps the given binding.
// Focus a target application before the countdown finishes.
//
// Usage:
//
//	go run ./cmd/test-keys [--binding audio_play]
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/gonuimo/internal/keys"
)

func main() {
	binding := flag.String("binding", "audio_play", "key binding, e.g. ctrl+shift+a")
	flag.Parse()

	b, err := keys.ParseBinding(*binding)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Will tap %q in 3 seconds...\n", b.String())
	fmt.Println("Focus the target application now!")

	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}

	if err := (keys.RobotTapper{}).KeyTap(b.Key, b.Mods...); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
