package main

import (
	"flag"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// fileConfig maps config.toml keys to the cryptomgrd settings otherwise
// set by flags.
type fileConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	RelayListenAddr string `toml:"relay_listen_addr"`
	ResourcesDir    string `toml:"resources_dir"`
	DebugWebAddr    string `toml:"debug_web_addr"`
	WorldID         int    `toml:"world_id"`
	ChannelID       int    `toml:"channel_id"`
}

// applyConfigFile overlays settings from a TOML file onto the flag
// values. A flag passed explicitly on the command line wins over the
// file.
func applyConfigFile(path string) error {
	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Wrapf(err, "loading config %s", path)
	}

	if meta.IsDefined("listen_addr") && !explicit["listen_address"] {
		*listenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("relay_listen_addr") && !explicit["relay_listen_address"] {
		*relayAddr = strings.TrimSpace(raw.RelayListenAddr)
	}
	if meta.IsDefined("resources_dir") && !explicit["resources_dir"] {
		resourcesDir = strings.TrimSpace(raw.ResourcesDir)
	}
	if meta.IsDefined("debug_web_addr") && !explicit["debug_web_server_listen_address"] {
		*debugWebServer = strings.TrimSpace(raw.DebugWebAddr)
	}
	if meta.IsDefined("world_id") && !explicit["world_id"] {
		*worldID = raw.WorldID
	}
	if meta.IsDefined("channel_id") && !explicit["channel_id"] {
		*channelID = raw.ChannelID
	}
	return nil
}
