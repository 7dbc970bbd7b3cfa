// Command-line interface to the remote tile server.
// Serves tiles over HTTP and provides one-shot commands against a pixel store.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/png"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/janelia-flyem/remotetiles/decode"
	"github.com/janelia-flyem/remotetiles/imageserver"
	"github.com/janelia-flyem/remotetiles/pix"
	"github.com/janelia-flyem/remotetiles/rpc"
	"github.com/janelia-flyem/remotetiles/server"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// TOML configuration file.
	configFile = flag.String("config", "", "")

	// Address of the remote pixel store.
	rpcAddress = flag.String("rpc", "", "")

	// Address for http communication
	httpAddress = flag.String("http", "", "")

	// Output file for the tile command.
	outFile = flag.String("out", "tile.png", "")

	// Channel to read.  Negative reads all channels.
	channel = flag.Int("channel", -1, "")

	// Number of concurrent tile reads for bench.
	parallel = flag.Int("parallel", 8, "")
)

const helpMessage = `
remotetiles serves tiles of multi-resolution images held by a remote pixel store

Usage: remotetiles [options] <command>

      -config     =string   TOML configuration file.
      -rpc        =string   Address of the pixel store (default %s).
      -http       =string   Address for HTTP communication (default %s).
      -out        =string   Output PNG file for the tile command.
      -channel    =number   Channel read by the tile command.  Default reads all.
      -parallel   =number   Concurrent reads for the bench command.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	serve
	info  <image id>
	tile  <image id> <level> <z> <t> <x> <y> <width> <height>
	bench <image id> [level]
`

var usage = func() {
	fmt.Printf(helpMessage, rpc.DefaultAddress, server.DefaultWebAddress)
}

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = usage
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
		pix.Shutdown()
		os.Exit(1)
	}
	pix.Shutdown()
}

// DoCommand serves as a switchboard for commands.
func DoCommand(args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	switch args[0] {
	case "about":
		fmt.Printf("remotetiles, pixel store protocol %s\n", rpc.ProtocolVersion)
		return nil
	case "serve":
		return DoServe(config)
	case "info":
		return DoInfo(config, args[1:])
	case "tile":
		return DoTile(config, args[1:])
	case "bench":
		return DoBench(config, args[1:])
	default:
		return fmt.Errorf("unknown command %q; try 'remotetiles help'", args[0])
	}
}

func loadConfig() (*server.Config, error) {
	config := server.DefaultConfig()
	if *configFile != "" {
		var err error
		if config, err = server.LoadConfig(*configFile); err != nil {
			return nil, err
		}
	}
	config.SetAddresses(*httpAddress, *rpcAddress)
	return config, nil
}

func parseInts(args []string, names ...string) ([]int, error) {
	if len(args) < len(names) {
		return nil, fmt.Errorf("expected arguments: %s", strings.Join(names, " "))
	}
	values := make([]int, len(names))
	for i, name := range names {
		v, err := strconv.Atoi(args[i])
		if err != nil {
			return nil, fmt.Errorf("bad %s %q", name, args[i])
		}
		values[i] = v
	}
	return values, nil
}

func parseImage(args []string) (pix.ImageID, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("command must be followed by an image id")
	}
	return pix.ParseImageID(args[0])
}

// DoServe runs the web server until it is interrupted.
func DoServe(config *server.Config) error {
	config.Logging.SetLogger()
	s := server.New(config, nil)

	// Capture ctrl+c and other interrupts.  Then handle graceful shutdown.
	stopSig := make(chan os.Signal, 1)
	go func() {
		sig := <-stopSig
		log.Printf("Stop signal captured: %q.  Shutting down...\n", sig)
		s.Shutdown()
	}()
	signal.Notify(stopSig, os.Interrupt, syscall.SIGTERM)

	s.Start()
	return s.Wait()
}

// DoInfo prints the metadata of an image as JSON.
func DoInfo(config *server.Config, args []string) error {
	id, err := parseImage(args)
	if err != nil {
		return err
	}
	images := server.NewImages(config, nil)
	defer images.Shutdown()

	meta, err := images.Open(context.Background(), id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// DoTile writes one tile of an image to a PNG file.
func DoTile(config *server.Config, args []string) error {
	id, err := parseImage(args)
	if err != nil {
		return err
	}
	v, err := parseInts(args[1:], "level", "z", "t", "x", "y", "width", "height")
	if err != nil {
		return err
	}
	req := pix.TileRequest{Level: v[0], Z: v[1], T: v[2], X: v[3], Y: v[4], Width: v[5], Height: v[6]}

	ctx := context.Background()
	images := server.NewImages(config, nil)
	defer images.Shutdown()
	if _, err := images.Open(ctx, id); err != nil {
		return err
	}
	w := images.NewWorker(ctx)
	defer w.Release()

	var tile *decode.Tile
	if *channel >= 0 {
		tile, err = images.ReadChannel(ctx, w, id, req, *channel)
	} else {
		tile, err = images.ReadTile(ctx, w, id, req)
	}
	if err != nil {
		return err
	}
	img, err := tile.Image(0)
	if err != nil {
		return err
	}
	f, err := os.Create(*outFile)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Wrote %dx%d tile of image %d %s to %s\n", tile.Width, tile.Height, id, req, *outFile)
	return nil
}

// DoBench reads every tile of one level and reports throughput.
func DoBench(config *server.Config, args []string) error {
	id, err := parseImage(args)
	if err != nil {
		return err
	}
	level := 0
	if len(args) > 1 {
		if level, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("bad level %q", args[1])
		}
	}

	ctx := context.Background()
	images := server.NewImages(config, nil)
	defer images.Shutdown()
	meta, err := images.Open(ctx, id)
	if err != nil {
		return err
	}
	reqs, err := imageserver.TileGrid(meta, level, 0, 0)
	if err != nil {
		return err
	}

	timedLog := pix.NewTimeLog()
	tiles, err := images.ReadTiles(ctx, id, reqs, *parallel)
	if err != nil {
		return err
	}
	var pixels uint64
	for _, tile := range tiles {
		pixels += uint64(tile.Width * tile.Height)
	}
	elapsed := timedLog.Elapsed()
	fmt.Printf("Read %d tiles (%s pixels) of image %d level %d in %s: %.1f tiles/sec\n",
		len(tiles), humanize.Comma(int64(pixels)), id, level, elapsed, float64(len(tiles))/elapsed.Seconds())
	stats := images.Stats()
	fmt.Printf("Pool: %s\n", stats)
	return nil
}
