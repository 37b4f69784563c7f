package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"

	"github.com/nasa-jpl/agilis/generichttp"
	"github.com/nasa-jpl/agilis/generichttp/motion"
	"github.com/nasa-jpl/agilis/newport"
	"github.com/nasa-jpl/agilis/server/middleware/locker"
)

// ObjSetup holds the setup of one AG-UC8
type ObjSetup struct {
	// Endpoint is the path the routes of this controller will be served on,
	// ex. Endpoint="/omc/agilis" will produce routes of /omc/agilis/move, etc.
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Device holds the controller settings
	Device newport.UC8Config `yaml:"Device" koanf:"Device"`

	// Limits bounds the relative moves clients may request, by axis number.
	// An axis without limits is not limited.
	Limits map[int]motion.Limiter `yaml:"Limits" koanf:"Limits"`
}

// Config is a struct that holds the initialization parameters for the server.
// It is to be populated by a yaml/unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces every controller with a simulator on the loopback interface
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// Nodes is the list of controllers to set up
	Nodes []ObjSetup `yaml:"Nodes" koanf:"Nodes"`
}

// DefaultConfig is a single controller at the lab's default address, served on /agilis
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Nodes: []ObjSetup{{
			Endpoint: "agilis",
			Device:   newport.DefaultUC8Config(),
		}},
	}
}

// LoadYaml converts a (path to a) yaml file into a Config struct
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	err = yaml.NewDecoder(f).Decode(&cfg)
	return cfg, err
}

// Hardware holds the controllers and simulators behind a mux
type Hardware struct {
	Controllers []*newport.UC8
	Mocks       []*newport.MockUC8
}

// Close stops and disconnects every controller, then every simulator
func (h *Hardware) Close() {
	for _, c := range h.Controllers {
		if err := c.Close(); err != nil {
			log.Println("error closing controller:", err)
		}
	}
	for _, m := range h.Mocks {
		m.Close()
	}
}

// BuildMux constructs a chi router with a submux for every node.
// The mux serves a special route, /endpoints, which returns a map of
// node endpoints to their routes as JSON.
//
// The returned Hardware must be closed by the caller, including when
// err is not nil.
func BuildMux(c Config) (chi.Router, *Hardware, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	hw := &Hardware{}
	supergraph := map[string][]string{}

	for _, node := range c.Nodes {
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, exists := supergraph[hndlS]; exists {
			return nil, hw, fmt.Errorf("endpoint %s is used by more than one node", hndlS)
		}
		dev := node.Device
		if c.Mock {
			mock := newport.NewMockUC8()
			if err := mock.Listen("127.0.0.1:0"); err != nil {
				return nil, hw, err
			}
			hw.Mocks = append(hw.Mocks, mock)
			dev.Addr = mock.Addr()
			dev.Serial = false
		}
		logger := log.New(os.Stderr, hndlS+" ", log.LstdFlags)
		ctl, err := newport.NewUC8(dev, logger)
		if err != nil {
			return nil, hw, fmt.Errorf("node %s: %w", hndlS, err)
		}
		hw.Controllers = append(hw.Controllers, ctl)

		httper := newport.NewUC8HTTPWrapper(ctl)
		limiter := motion.LimitMiddleware{Limits: node.Limits}
		limiter.Inject(httper.RT())

		// add a lock interface for this node
		lock := locker.New()
		locker.Inject(httper.RT(), lock)

		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(limiter.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return root, hw, nil
}
