package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "aguc8srv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `aguc8srv communicates with Newport Agilis AG-UC8 piezo controllers and
exposes an HTTP interface to them.

Usage:
	aguc8srv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `aguc8srv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Each entry in Nodes is one AG-UC8.  Its Device.Addr is either host:port of a
serial-to-ethernet bridge, or a serial port (/dev/ttyUSB0, COM3) with
Device.Serial set to true.  Device.Channels lists the channels with stages
attached; the first is the default for requests that do not name one.

No two nodes can have the same Endpoint.  Endpoints may look like any variation
of "omc/agilis" or "/omc/agilis/*", the leading slash is added if missing.

Limits bounds the size of relative moves, per axis number, e.g.
	Limits:
		1:
			Min: -500
			Max: 500

With Mock: true, every node is served by a simulated controller.

If a controller cannot be reached at startup, its routes are still served
but do nothing; GET <endpoint>/inert reports this.`
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
	fmt.Printf("aguc8srv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, hw, err := BuildMux(c)
	if err != nil {
		hw.Close()
		log.Fatal(err)
	}
	srv := &http.Server{Addr: c.Addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		<-ctx.Done()
		log.Println("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Println("error shutting down the server:", err)
		}
	}()

	log.Println("now listening for requests at ", c.Addr)
	err = srv.ListenAndServe()
	if !errors.Is(err, http.ErrServerClosed) {
		hw.Close()
		log.Fatal(err)
	}
	// in-flight requests finish before the hardware is released
	<-idle
	hw.Close()
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
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
