package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/interf/phasecam"
	"github.jpl.nasa.gov/bdube/interf/wavefront"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "phasecam.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:        ":8000",
		Instrument:  "localhost:7300",
		TimeoutSec:  10,
		MaxAttempts: 3,
		BackoffMsec: 250,
		Frames:      1}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `phasecam talks to a 4D PhaseCam interferometer server and retrieves
wavefront measurements.  It can run as an HTTP adapter, so clients in any
language can pull data with their favorite HTTP library, or fetch data
directly to a FITS file.

Usage:
	phasecam <command>

Commands:
	run
	fetch [output.fits]
	sim
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `phasecam is amenable to configuration via its .yaml file.  For a primer
on YAML, see https://yaml.org/start.html

The Instrument field points at the interferometer server, e.g.
192.168.100.50:7300 for TCP or /dev/ttyS4 with Serial: true for RS232.

run starts an HTTP adapter at Addr.  GET /wavefront returns a measurement
as JSON, or FITS with ?fmt=fits; ?frames=N averages N raw frames with the
instrument's validity mask respected.  POST /burst returns raw frames as
a FITS cube.  GET /endpoints lists every route.

fetch acquires Frames frames, averages them, and writes the result to the
named FITS file (default wavefront.fits).

sim serves a simulated instrument at the Instrument address, useful for
trying the other commands without hardware.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("phasecam version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux := BuildMux(c)
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func fetch() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	out := "wavefront.fits"
	if len(os.Args) > 2 {
		out = os.Args[2]
	}
	client := buildClient(c)
	defer client.Close()

	spin, err := yacspin.New(yacspin.Config{
		Frequency:     100 * time.Millisecond,
		CharSet:       yacspin.CharSets[59],
		Suffix:        " acquiring",
		StopCharacter: "done",
	})
	if err != nil {
		log.Fatal(err)
	}
	spin.Start()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := client.GetBurstAverage(ctx, c.Frames)
	spin.Stop()
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	cards := []fitsio.Card{
		{Name: "nframes", Value: res.Frames, Comment: "frames averaged"},
		{Name: "srv", Value: client.Addr(), Comment: "instrument server"},
	}
	err = wavefront.WriteFITS(f, cards, res.Frame)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %dx%d wavefront (%d frames) to %s\n", res.Frame.Width, res.Frame.Height, res.Frames, out)
}

func sim() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mock := phasecam.NewMockServer(64, 64)
	if err := mock.Start(c.Instrument); err != nil {
		log.Fatal(err)
	}
	defer mock.Close()
	log.Println("simulated instrument listening at ", mock.Addr())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "fetch":
		fetch()
		return
	case "sim":
		sim()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
