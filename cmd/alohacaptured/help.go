package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig      string
	flagInput       string
	flagWidth       int
	flagHeight      int
	flagFormat      string
	flagIO          string
	flagBuffers     int
	flagQueue       int
	flagNonBlocking bool
	flagListen      string
	flagQuiet       bool
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	flag.StringVarP(&flagInput, "input", "i", "/dev/video0", "Video source")
	flag.IntVarP(&flagWidth, "width", "x", 1280, "Video width")
	flag.IntVarP(&flagHeight, "height", "y", 720, "Video height")
	flag.StringVarP(&flagFormat, "format", "f", "YUYV", "Pixel format, as a FourCC")
	flag.StringVarP(&flagIO, "io", "m", "mmap", "I/O method: mmap, userptr or read")
	flag.IntVarP(&flagBuffers, "buffers", "n", 4, "Number of capture buffers")
	flag.IntVarP(&flagQueue, "queue", "q", 0, "Handoff queue capacity")
	flag.BoolVarP(&flagNonBlocking, "nonblock", "", false, "Poll the device without waiting")
	flag.StringVarP(&flagListen, "listen", "l", "", "Serve metrics and preview on this address")
	flag.BoolVarP(&flagQuiet, "quiet", "", false, "Disable logging")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Frame capture for video4linux2 devices

Usage: alohacaptured [OPTION]...

Configuration:
  -c, --config=FILE      Read settings from a YAML file. Options given on
                         the command line take precedence.

Video source:
  -i, --input=FILE       Video source (default: /dev/video0)
  -x, --width=NUM        Set video width (default: 1280)
  -y, --height=NUM       Set video height (default: 720)
  -f, --format=FOURCC    Set pixel format (default: YUYV)

Buffering:
  -m, --io=METHOD        mmap, userptr or read (default: mmap)
  -n, --buffers=NUM      Capture buffers, at most 32 (default: 4)
  -q, --queue=NUM        Frames waiting for the consumer before new frames
                         are dropped (default: buffers - 1)
      --nonblock         Open the device non-blocking

Network:
  -l, --listen=ADDR      Serve /metrics, the /ws frame preview and
                         /snapshot.jpg (YUYV only) on ADDR

Miscellaneous:
      --quiet            Disable logging
  -h, --help             Prints this help message and exits
  -v, --version          Prints version information and exits

Please report bugs to: aloha@lanikailabs.com`

// Help information is printed and program exits
func help() {
	r := color.New(color.FgRed)
	y := color.New(color.FgYellow)
	b := color.New(color.FgCyan)

	//         _         _
	//   __ _ | |  ___  | |__    __ _
	//  / _` || | / _ \ | '_ \  / _` |
	// | (_| || || (_) || | | || (_| |
	//  \__,_||_| \___/ |_| |_| \__,_|

	// Line 1
	r.Printf("        ")
	y.Printf(" _ ")
	b.Printf("       ")
	y.Printf(" _     ")
	r.Println("       ")

	// Line 2
	r.Printf("   __ _ ")
	y.Printf("| |")
	b.Printf("  ___  ")
	y.Printf("| |__  ")
	r.Println("  __ _ ")

	// Line 3
	r.Printf("  / _` |")
	y.Printf("| |")
	b.Printf(" / _ \\ ")
	y.Printf("| '_ \\ ")
	r.Println(" / _` |")

	// Line 4
	r.Printf(" | (_| |")
	y.Printf("| |")
	b.Printf("| (_) |")
	y.Printf("| | | |")
	r.Println("| (_| |")

	// Line 5
	r.Printf("  \\__,_|")
	y.Printf("|_|")
	b.Printf(" \\___/ ")
	y.Printf("|_| |_|")
	r.Println(" \\__,_|")

	fmt.Println(helpString)
}

// version displays information and exits successfully (GNU convention)
func version() {
	fmt.Println("alohacaptured", GitRevisionId)
	fmt.Println("Copyright 2019 Lanikai Labs LLC. All rights reserved.")
}
