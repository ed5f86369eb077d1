// Command refocus runs one probe position optimisation against a scanning
// device (simulated by default) and records the outcome.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"refocus/internal/fit"
	"refocus/internal/monitor"
	"refocus/internal/refocus"
	"refocus/internal/scanner"
	"refocus/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (optional)")
	dbFile     = flag.String("db", "refocus.db", "SQLite database for templates and run history")
	device     = flag.String("device", "sim", "Scanning device: 'sim' or 'serial'")
	serialPort = flag.String("port", "/dev/ttyUSB0", "Serial port for -device=serial")
	callerTag  = flag.String("tag", "cli", "Caller tag for the run")
	startX     = flag.Float64("x", -1, "Start X in metres (-1 = current device position)")
	startY     = flag.Float64("y", -1, "Start Y in metres")
	startZ     = flag.Float64("z", -1, "Start Z in metres")
	history    = flag.Int("history", 0, "Print the last N runs and exit")
)

func main() {
	flag.Parse()

	cfg := &refocus.Config{}
	if *configPath != "" {
		loaded, err := refocus.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		cfg = loaded
	}

	db, err := store.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("opening database %s: %v", *dbFile, err)
	}
	defer db.Close()

	if *history > 0 {
		printHistory(db, *history)
		return
	}

	dev, err := openDevice()
	if err != nil {
		log.Fatalf("opening device: %v", err)
	}

	sink := &refocus.CaptureSink{}
	seq := refocus.NewSequencer(dev, fit.NewFitter(), cfg, refocus.MultiSink(sink, &refocus.LogSink{}), log.Default())
	seq.Recorder = db
	seq.PlotFunc = monitor.WriteZProfile
	if err := db.RestoreTemplates(seq.Templates()); err != nil {
		log.Printf("restoring templates: %v", err)
	}

	req := refocus.Request{CallerTag: *callerTag}
	if *startX >= 0 && *startY >= 0 && *startZ >= 0 {
		req.Start = []float64{*startX, *startY, *startZ}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		log.Printf("stop requested, unwinding at the next line")
		seq.Stop()
	}()

	if err := seq.StartRefocus(req); err != nil {
		log.Fatalf("starting refocus: %v", err)
	}
	seq.Wait()

	// Persist whatever the run captured or refreshed.
	if img := seq.Templates().Image(); img != nil {
		if err := db.SaveTemplateImage(img); err != nil {
			log.Printf("saving template image: %v", err)
		}
	}
	if line := seq.Templates().Line(); line != nil {
		if err := db.SaveTemplateLine(line, seq.Templates().LineOffsets()); err != nil {
			log.Printf("saving template line: %v", err)
		}
	}

	if e, ok := sink.Last(refocus.EventRunFinished); ok {
		fmt.Printf("optimised position: %v\n", e.Position)
	}
}

func openDevice() (scanner.Device, error) {
	switch *device {
	case "sim":
		return scanner.NewSimDevice(), nil
	case "serial":
		return scanner.OpenSerialDevice(*serialPort)
	default:
		return nil, fmt.Errorf("unknown device %q (want 'sim' or 'serial')", *device)
	}
}

func printHistory(db *store.DB, n int) {
	runs, err := db.ListRuns(n)
	if err != nil {
		log.Fatalf("listing runs: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s  %-10s %-18s (%.3e, %.3e, %.3e) -> (%.3e, %.3e, %.3e)\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.CallerTag,
			r.Start[0], r.Start[1], r.Start[2],
			r.Final[0], r.Final[1], r.Final[2])
	}
}
