// Command echoprobe runs the connectivity smoke-test suite against an echo
// responder on a serial port, records the results, and reports per-check
// round-trip latency.
//
// Usage:
//
//	echoprobe -port /dev/ttyUSB0 -policy char
//	echoprobe -port COM4 -policy line -chart latency.html
//	echoprobe -list
//	echoprobe migrate up
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parkside-labs/echobench/internal/db"
	"github.com/parkside-labs/echobench/internal/echo"
	"github.com/parkside-labs/echobench/internal/probe"
	"github.com/parkside-labs/echobench/internal/serialport"
	"github.com/parkside-labs/echobench/internal/version"
)

var (
	portPath  = flag.String("port", "", "Serial port to probe")
	baudRate  = flag.Int("baud", serialport.DefaultBaudRate, "Baud rate")
	policy    = flag.String("policy", "char", "Read policy of the device under test: char or line")
	label     = flag.String("label", echo.DefaultLabel, "Echo label the device prefixes to lines")
	announce  = flag.Bool("announce", false, "Expect a readiness announcement after open")
	token     = flag.String("token", "test", "Arbitrary command for the echo check")
	dbPath    = flag.String("db", "echobench.db", "Path to the result database (empty disables recording)")
	chartPath = flag.String("chart", "", "Write an HTML latency chart to this path")
	listPorts = flag.Bool("list", false, "List available serial ports and exit")
	showVer   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("echoprobe %s\n", version.String())
		return
	}

	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		db.RunMigrateCommand(args[1:], *dbPath)
		return
	}

	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("failed to list ports: %v", err)
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *portPath == "" {
		log.Fatal("Serial port is required (-port), or use -list to enumerate")
	}

	readPolicy, err := echo.ParsePolicy(*policy)
	if err != nil {
		log.Fatalf("invalid policy: %v", err)
	}

	port, err := serialport.SystemFactory{}.Open(*portPath, serialport.Options{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	defer port.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prober := probe.New(port, probe.Config{
		Policy:             readPolicy,
		EchoLabel:          *label,
		ExpectAnnouncement: *announce,
		Token:              *token,
	})

	startedAt := time.Now()
	results, err := prober.Run(ctx)
	if err != nil {
		log.Fatalf("probe aborted: %v", err)
	}

	failed := printReport(results)

	if *dbPath != "" {
		if err := record(*dbPath, *portPath, *baudRate, startedAt, results); err != nil {
			log.Fatalf("failed to record results: %v", err)
		}
	}

	if *chartPath != "" {
		if err := writeChart(*chartPath, results); err != nil {
			log.Fatalf("failed to write chart: %v", err)
		}
		fmt.Printf("latency chart written to %s\n", *chartPath)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

// printReport prints one line per check plus a latency summary, and returns
// the number of failed checks.
func printReport(results []probe.Result) int {
	failed := 0
	for _, r := range results {
		mark := "PASS"
		if !r.Pass {
			mark = "FAIL"
			failed++
		}
		fmt.Printf("%-4s %-14s %8.2fms  sent=%q", mark, r.Check, float64(r.RoundTrip.Microseconds())/1000.0, r.Sent)
		if r.Detail != "" {
			fmt.Printf("  %s", r.Detail)
		}
		fmt.Println()
	}

	stats := probe.Summarise(results)
	fmt.Printf("\n%d/%d checks passed  mean=%.2fms p50=%.2fms p85=%.2fms max=%.2fms\n",
		stats.Passed, stats.Checks, stats.MeanMs, stats.P50Ms, stats.P85Ms, stats.MaxMs)
	return failed
}

// record persists the session and its exchanges.
func record(path, port string, baud int, startedAt time.Time, results []probe.Result) error {
	database, err := db.NewDB(path)
	if err != nil {
		return err
	}
	defer database.Close()

	stats := probe.Summarise(results)
	session := db.Session{
		ID:        uuid.NewString(),
		Port:      port,
		BaudRate:  baud,
		Checks:    stats.Checks,
		Passed:    stats.Passed,
		StartedAt: startedAt,
	}
	if err := database.RecordSession(session); err != nil {
		return err
	}

	for _, r := range results {
		row := db.ExchangeRow{
			SessionID:   session.ID,
			Check:       r.Check,
			Sent:        r.Sent,
			Received:    r.Received,
			RoundTripMs: float64(r.RoundTrip.Microseconds()) / 1000.0,
			Pass:        r.Pass,
			Detail:      r.Detail,
		}
		if err := database.RecordExchange(row); err != nil {
			return err
		}
	}

	fmt.Printf("recorded session %s\n", session.ID)
	return nil
}

func writeChart(path string, results []probe.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return probe.WriteLatencyChart(f, results)
}
