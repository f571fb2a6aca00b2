// Command conveyord runs the conveyor daemon in the foreground. The usual
// entry point is `conveyor start`, which launches the daemon detached; this
// binary exists for service managers that want a foreground process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"conveyor/internal/config"
	"conveyor/internal/daemonrun"
)

func main() {
	var (
		configPath string
		socketPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "Path to the config file")
	flag.StringVar(&socketPath, "socket", "", "Path to the IPC socket")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, resolvedPath, exists, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !exists {
		fmt.Fprintf(os.Stderr, "no config file at %s; using defaults\n", resolvedPath)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	if err := daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel:   logLevel,
		SocketPath: socketPath,
	}); err != nil {
		log.Fatalf("conveyord: %v", err)
	}
}
