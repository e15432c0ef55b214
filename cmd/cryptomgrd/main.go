package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"

	"github.com/golang/glog"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	_ "golang.org/x/net/trace"

	"github.com/rcdevgames/cabal-rgs/cryptomgr"
	"github.com/rcdevgames/cabal-rgs/paths"
	"github.com/rcdevgames/cabal-rgs/relay"
)

var (
	configPath     = flag.String("config", "", "Path to an optional TOML config file")
	listenAddr     = flag.String("listen_address", ":38170", "Where the crypto manager service listens")
	relayAddr      = flag.String("relay_listen_address", ":38171", "Where the relay service listens")
	worldID        = flag.Int("world_id", 1, "World id announced to relay peers")
	channelID      = flag.Int("channel_id", 1, "Channel id announced to relay peers")
	debugWebServer = flag.String("debug_web_server_listen_address", "", "Where the debug server will listen")

	resourcesDir string
)

func main() {
	paths.SetupDirPathFlag("resources", "resources_dir", &resourcesDir)
	flag.Parse()

	if *configPath != "" {
		if err := applyConfigFile(*configPath); err != nil {
			glog.Exitf("cryptomgrd: %s", err)
		}
	}

	glog.Infoln("starting cryptomgrd services")

	if *debugWebServer != "" {
		go debugServer(*debugWebServer)
	}

	registry := relay.NewRegistry()

	var g errgroup.Group
	g.Go(func() error {
		l, err := net.Listen("tcp", *listenAddr)
		if err != nil {
			return err
		}
		return cryptomgr.NewServer(resourcesDir).Listen(l)
	})
	g.Go(func() error {
		l, err := net.Listen("tcp", *relayAddr)
		if err != nil {
			return err
		}
		return relay.NewServer(registry, byte(*worldID), byte(*channelID)).Listen(l)
	})
	if err := g.Wait(); err != nil {
		glog.Exitf("cryptomgrd: %s", err)
	}
}

func debugServer(addr string) {
	r := mux.NewRouter()
	r.HandleFunc("/debug/minimetrics", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "runtime.NumGoroutine(): %d\n", runtime.NumGoroutine())
	})
	// x/net/trace registers itself on the default mux.
	r.PathPrefix("/debug/requests").Handler(http.DefaultServeMux)
	r.PathPrefix("/debug/events").Handler(http.DefaultServeMux)

	glog.Infof("debug web server listening on %s", addr)
	if err := http.ListenAndServe(addr, handlers.CombinedLoggingHandler(os.Stderr, r)); err != nil {
		glog.Errorf("debug web server: %s", err)
	}
}
