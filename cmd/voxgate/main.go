// Command voxgate is a local voice assistant: it listens for a wake word,
// sends the spoken command to a chat model and speaks the streamed reply.
//
// Usage:
//
//	voxgate [flags] <command> [args]
//
// Commands:
//
//	listen  - wake-word loop: answer every command spoken after a wake word
//	ptt     - push-to-talk: Enter starts and stops recording
//	say     - speak a text through the synthesis pipeline
//	voices  - list the synthesis voices
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "voxgate:", err)
		os.Exit(1)
	}
}
