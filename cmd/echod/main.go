// Command echod runs the serial echo responder: it owns a serial endpoint,
// answers inbound tokens per the configured read policy, and serves a small
// HTTP API for state and live transcript tailing. In dev mode it runs over a
// simulated link fed from a fixtures file, so no hardware is needed.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/parkside-labs/echobench/internal/api"
	"github.com/parkside-labs/echobench/internal/db"
	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/serialport"
	"github.com/parkside-labs/echobench/internal/version"
)

var (
	devMode  = flag.Bool("dev", false, "Run in dev mode over a simulated link")
	listen   = flag.String("listen", ":8080", "Listen address")
	portPath = flag.String("port", "/dev/ttyUSB0", "Serial port to use (ignored in dev mode)")
	baudRate = flag.Int("baud", serialport.DefaultBaudRate, "Baud rate")
	policy   = flag.String("policy", "char", "Read policy: char or line")
	label    = flag.String("label", echo.DefaultLabel, "Echo label for the line policy")
	announce = flag.Bool("announce", true, "Emit a readiness announcement at startup")
	dbPath   = flag.String("db", "echobench.db", "Path to the probe result database (empty disables)")
	fixtures = flag.String("fixtures", "fixtures.txt", "Fixture file fed to the responder in dev mode")
	showVer  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		log.Printf("echod %s", version.String())
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	readPolicy, err := echo.ParsePolicy(*policy)
	if err != nil {
		log.Fatalf("invalid policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var port serialport.TimeoutPorter
	if *devMode {
		data, err := os.ReadFile(*fixtures)
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		host, device := serialport.NewLink()
		port = device
		go feedFixtures(ctx, host, strings.Split(strings.TrimSpace(string(data)), "\n"))
		go drainHost(host)
	} else {
		port, err = serialport.SystemFactory{}.Open(*portPath, serialport.Options{BaudRate: *baudRate})
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
	}
	defer port.Close()

	responder, err := echo.New(port, echo.Config{
		Policy:   readPolicy,
		Label:    *label,
		Announce: *announce,
	})
	if err != nil {
		log.Fatalf("failed to create responder: %v", err)
	}

	var database *db.DB
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
	}

	// Wait group for the responder loop and the HTTP server
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responder.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("responder loop failed: %v", err)
		}
		log.Print("responder loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		responder.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		apiMux := api.NewServer(responder, database).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// feedFixtures writes one fixture line to the responder every 500ms, looping
// over the file until the context ends.
func feedFixtures(ctx context.Context, host *serialport.SimPort, lines []string) {
	if len(lines) == 0 {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := host.Write([]byte(lines[i%len(lines)] + "\n")); err != nil {
				return
			}
			i++
		}
	}
}

// drainHost logs whatever the responder writes back on the simulated link.
func drainHost(host *serialport.SimPort) {
	scan := bufio.NewScanner(host)
	for scan.Scan() {
		log.Printf("device: %s", scan.Text())
	}
}
