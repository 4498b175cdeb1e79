// Package main provides the entry point for panoviewer.
package main

import (
	"os"
	"runtime"

	"panoviewer/internal/cli"
)

func init() {
	// highgui and fyne both expect their windows to live on the main thread.
	runtime.LockOSThread()
}

func main() {
	os.Exit(cli.Execute())
}
