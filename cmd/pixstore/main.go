// Command pixstore serves synthetic multi-resolution images from a badger database
// over the pixel store rpc protocol.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/rpc"
	"github.com/janelia-flyem/remotetiles/store"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to the badger database.
	dbPath = flag.String("path", "pixstore.db", "")

	// Address for rpc communication.
	rpcAddress = flag.String("rpc", rpc.DefaultAddress, "")

	// Settings of synthesized images.
	width         = flag.Int("width", 4096, "")
	height        = flag.Int("height", 4096, "")
	sizeZ         = flag.Int("sizez", 1, "")
	sizeC         = flag.Int("sizec", 1, "")
	sizeT         = flag.Int("sizet", 1, "")
	levels        = flag.Int("levels", 4, "")
	pixelType     = flag.String("type", "uint8", "")
	byteOrder     = flag.String("order", "big", "")
	tileSize      = flag.Int("tile", 256, "")
	smallestFirst = flag.Bool("smallest-first", false, "")
)

const helpMessage = `
pixstore serves multi-resolution images over the pixel store rpc protocol

Usage: pixstore [options] <command>

      -path       =string   Path to the badger database.
      -rpc        =string   Address for RPC communication.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

  Options for synth:

      -width, -height       =number   Full resolution size in pixels.
      -sizez, -sizec, -sizet =number  Planes, channels and timepoints.
      -levels     =number   Number of resolution levels, each half the previous.
      -type       =string   Pixel type, e.g. uint8, uint16, float.
      -order      =string   Sample byte order, big or little.
      -tile       =number   Preferred tile size.
      -smallest-first (flag) Index levels from the smallest.

Commands:

	help
	list
	serve
	synth <image id> [name]
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() { fmt.Print(helpMessage) }
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	if *runVerbose {
		pix.SetLogMode(pix.DebugMode)
	}

	if err := DoCommand(flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(args []string) error {
	switch args[0] {
	case "list":
		return DoList()
	case "serve":
		return DoServe()
	case "synth":
		return DoSynth(args[1:])
	default:
		return fmt.Errorf("unknown command %q; try 'pixstore help'", args[0])
	}
}

// DoList prints the images in the database.
func DoList() error {
	db, err := store.OpenBadger(*dbPath, true)
	if err != nil {
		return err
	}
	defer db.Close()
	ids, err := db.Images()
	if err != nil {
		return err
	}
	for _, id := range ids {
		img, err := db.Open(id)
		if err != nil {
			return err
		}
		meta := img.Meta()
		fmt.Printf("%d: %q %dx%dx%d, %d channels, %d timepoints, %s, %d levels\n", id, meta.Info.Name,
			meta.Info.SizeX, meta.Info.SizeY, meta.Info.SizeZ, meta.Info.SizeC, meta.Info.SizeT,
			meta.Info.PixelType, len(meta.Levels))
	}
	return nil
}

// DoSynth writes a synthetic image into the database.
func DoSynth(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("synth command must be followed by an image id")
	}
	id, err := pix.ParseImageID(args[0])
	if err != nil {
		return err
	}
	t, err := pix.ParsePixelType(*pixelType)
	if err != nil {
		return err
	}
	order, err := pix.ParseByteOrder(*byteOrder)
	if err != nil {
		return err
	}
	cfg := store.SynthConfig{
		Width:         *width,
		Height:        *height,
		SizeZ:         *sizeZ,
		SizeC:         *sizeC,
		SizeT:         *sizeT,
		Levels:        *levels,
		Type:          t,
		ByteOrder:     order,
		SmallestFirst: *smallestFirst,
		TileSize:      *tileSize,
	}
	if len(args) > 1 {
		cfg.Name = args[1]
	}
	timedLog := pix.NewTimeLog()
	img, err := store.Synthesize(cfg)
	if err != nil {
		return err
	}
	db, err := store.OpenBadger(*dbPath, false)
	if err != nil {
		return err
	}
	if err := db.Put(id, img); err != nil {
		db.Close()
		return err
	}
	timedLog.Infof("Stored synthetic image %d %q in %s", id, img.Meta().Info.Name, db)
	return db.Close()
}

// DoServe serves the database until interrupted.
func DoServe() error {
	db, err := store.OpenBadger(*dbPath, true)
	if err != nil {
		return err
	}
	defer db.Close()
	s := rpc.NewServer(*rpcAddress, db)
	if err := s.Start(); err != nil {
		return err
	}

	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)
	sig := <-stopSig
	log.Printf("Stop signal captured: %q.  Shutting down...\n", sig)
	s.Stop()
	return nil
}
