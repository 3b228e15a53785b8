// droprelay: CLI entry point.
//
// droprelay serves an in-memory blob store over WebSocket. Two filetunnel
// instances that can both reach it use it as their shared medium with the
// relay backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/filetunnel/internal/relay"
	"github.com/1ureka/filetunnel/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	listen := flag.String("listen", "127.0.0.1:0", "Address to listen on (\":0\" picks a free port)")
	pin := flag.String("pin", "", "PIN clients must present (random 6 digits if empty)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("droprelay v%s", version))
	pterm.Println()

	if *pin == "" {
		*pin = relay.GeneratePIN(6)
	}

	srv := relay.NewServer(*pin, nil)
	port, err := srv.Start(*listen)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	pterm.DefaultBox.WithTitle("Drop Relay").Println(fmt.Sprintf(
		"Port : %d\nPIN  : %s\nURL  : ws://<host>:%d/ws", port, *pin, port))
	pterm.Println()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("relay stopped")
}
