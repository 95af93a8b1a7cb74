// Command mountctl is a small CLI client for the PathSpace remote mount
// protocol (spec.md §4.G): it configures one mount from the host config file,
// waits for the session to come up, and drives a single insert/read/take/
// wait/status operation against it before exiting.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pathspace/remote/internal/config"
	"github.com/pathspace/remote/internal/mountclient"
	"github.com/pathspace/remote/internal/pathspace"
	"github.com/pathspace/remote/internal/registry"
	"github.com/pathspace/remote/internal/transport"
	"github.com/pathspace/remote/internal/wire"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 3 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("mountctl v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	}

	alias := os.Args[1]
	command := os.Args[2]
	rest := os.Args[3:]

	configPath := getenvDefault("CONFIG_PATH", "config.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: failed to load config %s: %v\n", configPath, err)
		os.Exit(1)
	}

	mountCfg, ok := findMount(cfg, alias)
	if !ok {
		fmt.Fprintf(os.Stderr, "mountctl: no mount configured for alias %q\n", alias)
		os.Exit(1)
	}

	root := pathspace.NewMemSpace()
	reg := registry.Global()
	mgr := mountclient.NewManager(root, reg)

	clientCfg := mountclientConfig(mountCfg, reg)
	if _, err := mgr.Mount(clientCfg); err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: mount failed: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Shutdown()

	if err := runCommand(root, clientCfg.MountPath, command, rest); err != nil {
		fmt.Fprintf(os.Stderr, "mountctl: %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func findMount(cfg *config.Config, alias string) (config.MountConfig, bool) {
	for _, m := range cfg.Mounts {
		if m.Alias == alias {
			return m, true
		}
	}
	return config.MountConfig{}, false
}

// mountclientConfig translates the YAML-loaded config.MountConfig into the
// mountclient.MountConfig the manager wants, wiring a fresh transport.Session
// factory per mount from its TLS material.
func mountclientConfig(m config.MountConfig, reg *registry.Registry) mountclient.MountConfig {
	tlsCfg := &transport.ClientTLSConfig{
		CAFile:             m.ServerCAFile,
		CertFile:           m.ClientCertFile,
		KeyFile:            m.ClientKeyFile,
		InsecureSkipVerify: m.InsecureSkipVerify,
	}

	mountPath := m.MountPath
	if mountPath == "" {
		mountPath = "/remote/" + m.Alias
	}

	return mountclient.MountConfig{
		Alias:               m.Alias,
		ExportRoot:          m.ExportRoot,
		MountPath:           mountPath,
		ClientID:            "mountctl",
		RequestCapabilities: m.RequestCapabilities,
		Auth:                wire.AuthContext{Kind: wire.AuthKindMutualTLS},
		NotificationPoll:    250 * time.Millisecond,
		TakeBatchSize:       16,
		NewSession: func() (*transport.Session, error) {
			return transport.NewSession(m.ServerAddress, tlsCfg, 10*time.Second)
		},
	}
}

func runCommand(root pathspace.PathSpace, mountPath, command string, args []string) error {
	switch command {
	case "insert":
		if len(args) < 2 {
			return fmt.Errorf("usage: mountctl <alias> insert <path> <value>")
		}
		path, value := args[0], args[1]
		_, err := root.Insert(joinMount(mountPath, path), value, pathspace.InsertOptions{})
		return err

	case "read":
		if len(args) < 1 {
			return fmt.Errorf("usage: mountctl <alias> read <path>")
		}
		value, err := root.Read(joinMount(mountPath, args[0]), pathspace.ReadOptions{})
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil

	case "take":
		if len(args) < 1 {
			return fmt.Errorf("usage: mountctl <alias> take <path>")
		}
		value, err := root.Take(joinMount(mountPath, args[0]), pathspace.TakeOptions{TypeName: "string"})
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil

	case "wait":
		if len(args) < 1 {
			return fmt.Errorf("usage: mountctl <alias> wait <path> [timeout_ms]")
		}
		var timeoutMs *pathspace.TimeoutMs
		if len(args) > 1 {
			ms, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid timeout_ms %q: %w", args[1], err)
			}
			t := pathspace.TimeoutMs(ms)
			timeoutMs = &t
		}
		value, err := root.Read(joinMount(mountPath, args[0]), pathspace.ReadOptions{Block: true, Timeout: timeoutMs})
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil

	case "status":
		children, err := root.ListChildren(mountPath)
		if err != nil {
			slog.Warn("mountctl: list children failed", "mount_path", mountPath, "error", err)
		}
		fmt.Printf("mounted at %s, children: %v\n", mountPath, children)
		return nil

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func joinMount(mountPath, relative string) string {
	if mountPath == "/" {
		return relative
	}
	if len(relative) > 0 && relative[0] == '/' {
		return mountPath + relative
	}
	return mountPath + "/" + relative
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println(`PathSpace Remote Mount CLI v` + version + `

Usage: mountctl <alias> <command> [args]

Commands:
  insert <path> <value>        Insert a string value at path (through the mount)
  read <path>                  Non-blocking read
  take <path>                  Destructive pop
  wait <path> [timeout_ms]     Blocking read, optionally bounded by timeout_ms
  status                       List the mount's top-level children
  version                      Print version
  help                         Show this help

Environment:
  CONFIG_PATH   Path to the host config file naming this alias's mount (default: config.yaml)

The alias must match a "mounts[].alias" entry in the config file; mountctl
opens that one mount, runs the command, and exits.`)
}
