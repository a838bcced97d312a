// Package config loads gsh's HCL configuration: the transport command
// template, named host groups, and engine tuning knobs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

// BaseDirName is the config directory under the user's home, following
// the usual ~/.config/<app> convention.
const BaseDirName = ".config/gsh"

const fileName = "config.hcl"

const defaultConfig = `transport {
  command = "ssh {host}"
}

group "default" {
  hosts = []
}

engine {
  abort_on_error      = false
  poll_timeout        = "250ms"
  read_buffer_ceiling = 1048576
}
`

// Group is a named collection of hosts an operator can refer to by name on
// the "gsh run" command line.
type Group struct {
	Name  string
	Hosts []string
}

// Engine holds the tuning knobs the event loop and dispatchers read at
// startup.
type Engine struct {
	AbortOnError      bool
	PollTimeout       time.Duration
	ReadBufferCeiling int
}

// Configuration is the parsed, defaulted configuration.
type Configuration struct {
	ConfigPath   string // directory this config was loaded from
	TransportCmd string
	Groups       map[string]Group
	Engine       Engine
}

// Config is the global instance populated by Initialize during
// PersistentPreRunE.
var Config *Configuration

// hcl intermediate decoding structs.

type hclRoot struct {
	Transport *hclTransport `hcl:"transport,block"`
	Groups    []hclGroup    `hcl:"group,block"`
	Engine    *hclEngine    `hcl:"engine,block"`
}

type hclTransport struct {
	Command string `hcl:"command,optional"`
}

type hclGroup struct {
	Name  string   `hcl:"name,label"`
	Hosts []string `hcl:"hosts,optional"`
}

type hclEngine struct {
	AbortOnError      *bool  `hcl:"abort_on_error,optional"`
	PollTimeout       string `hcl:"poll_timeout,optional"`
	ReadBufferCeiling int    `hcl:"read_buffer_ceiling,optional"`
}

// Load reads and decodes configPath/config.hcl, creating a default file
// on first run.
func Load(configPath string) (*Configuration, error) {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return nil, fmt.Errorf("config: create %s: %w", configPath, err)
	}

	path := filepath.Join(configPath, fileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
	}

	var root hclRoot
	if err := hclsimple.DecodeFile(path, nil, &root); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return fromHCL(configPath, &root)
}

func fromHCL(configPath string, root *hclRoot) (*Configuration, error) {
	cfg := &Configuration{
		ConfigPath:   configPath,
		TransportCmd: "ssh {host}",
		Groups:       make(map[string]Group),
		Engine: Engine{
			AbortOnError:      false,
			PollTimeout:       250 * time.Millisecond,
			ReadBufferCeiling: 1 << 20,
		},
	}

	if root.Transport != nil && root.Transport.Command != "" {
		cfg.TransportCmd = root.Transport.Command
	}

	for _, g := range root.Groups {
		if _, exists := cfg.Groups[g.Name]; exists {
			return nil, fmt.Errorf("config: duplicate group %q", g.Name)
		}
		cfg.Groups[g.Name] = Group{Name: g.Name, Hosts: g.Hosts}
	}

	if root.Engine != nil {
		if root.Engine.AbortOnError != nil {
			cfg.Engine.AbortOnError = *root.Engine.AbortOnError
		}
		if root.Engine.PollTimeout != "" {
			d, err := time.ParseDuration(root.Engine.PollTimeout)
			if err != nil {
				return nil, fmt.Errorf("config: engine.poll_timeout: %w", err)
			}
			cfg.Engine.PollTimeout = d
		}
		if root.Engine.ReadBufferCeiling > 0 {
			cfg.Engine.ReadBufferCeiling = root.Engine.ReadBufferCeiling
		}
	}

	return cfg, nil
}

// Initialize loads configPath into the package-level Config, a single
// global populated once per process at PersistentPreRunE time.
func Initialize(configPath string) error {
	cfg, err := Load(configPath)
	if err != nil {
		return err
	}
	Config = cfg
	return nil
}

// ResolveHosts turns "gsh run [host...]" arguments into a concrete host
// list: explicit host names are used verbatim, a single argument that
// names a configured group expands to that group's hosts, and no
// arguments falls back to the "default" group.
func (c *Configuration) ResolveHosts(args []string) ([]string, error) {
	if len(args) == 1 {
		if g, ok := c.Groups[args[0]]; ok {
			if len(g.Hosts) == 0 {
				return nil, fmt.Errorf("config: group %q has no hosts", args[0])
			}
			return g.Hosts, nil
		}
	}
	if len(args) > 0 {
		return args, nil
	}
	g, ok := c.Groups["default"]
	if !ok || len(g.Hosts) == 0 {
		return nil, fmt.Errorf("config: no hosts given and no default group configured")
	}
	return g.Hosts, nil
}

// Watch reloads config.hcl on change and calls onReload with the new
// configuration. Editors rename/recreate the file on atomic saves, so
// the watch is re-armed after every rename, remove or create event rather
// than assumed to keep watching the same inode. It runs until stop is
// closed.
func Watch(configPath string, onReload func(*Configuration), stop <-chan struct{}) error {
	path := filepath.Join(configPath, fileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()

		var mu sync.Mutex
		var timer *time.Timer

		reload := func() {
			cfg, err := Load(configPath)
			if err != nil {
				slog.Error("config: reload failed", "error", err)
				return
			}
			Config = cfg
			onReload(cfg)
		}

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					watcher.Remove(path)
					watcher.Add(path)
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, reload)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config: watcher error", "error", err)
			}
		}
	}()

	return nil
}
