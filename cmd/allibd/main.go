// Command allibd runs a standalone allib node: it brings up the anonymity
// layer, joins the overlay, serves the optional REST façade, and drops into
// an interactive status dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethereum/go-ethereum/log"

	"github.com/allibrary/allib"
	"github.com/allibrary/allib/rest"
)

func main() {
	var (
		dataDir     = flag.String("datadir", "./allib-data", "directory for Tor state")
		socksAddr   = flag.String("socks", "", "external SOCKS5 address; if empty, a local Tor on 127.0.0.1:9150 or :9050 is used, else an embedded Tor daemon is spawned")
		localPort   = flag.Int("port", 4001, "local TCP port the hidden service forwards to")
		listenAddr  = flag.String("http", "127.0.0.1:4101", "REST façade listen address, empty to disable")
		bridges     = flag.String("bridges", "", "comma-separated Tor bridge lines")
		bootstrap   = flag.String("bootstrap", "", "comma-separated bootstrap onion addresses")
		interactive = flag.Bool("tui", true, "run the interactive status dashboard")
	)
	flag.Parse()

	logger := log.New("cmd", "allibd")

	cfg := allib.Config{
		DataDir:     *dataDir,
		SocksAddr:   *socksAddr,
		Bridges:     splitNonEmpty(*bridges),
		LocalPort:   *localPort,
		VirtualPort: *localPort,
		Bootstrap:   splitNonEmpty(*bootstrap),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := allib.Start(ctx, cfg)
	if err != nil {
		logger.Crit("failed to start node", "err", err)
		os.Exit(1)
	}
	defer node.Stop()

	if *listenAddr != "" {
		srv := &http.Server{Addr: *listenAddr, Handler: rest.NewRouter(node)}
		go func() {
			logger.Info("rest façade listening", "addr", *listenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("rest façade stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	if *interactive {
		program := tea.NewProgram(newDashboardModel(node), tea.WithAltScreen())
		if _, err := program.Run(); err != nil {
			logger.Error("dashboard exited with error", "err", err)
		}
		return
	}

	<-ctx.Done()
	fmt.Println("shutting down")
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
