package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/proximity.report/internal/api"
	"github.com/banshee-data/proximity.report/internal/capture"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/export"
	"github.com/banshee-data/proximity.report/internal/fsutil"
	"github.com/banshee-data/proximity.report/internal/telemetry"
	"github.com/banshee-data/proximity.report/internal/version"
)

var (
	devMode     = flag.Bool("dev", false, "Run with synthetic sensors instead of hardware")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "", "Path to the sqlite database (default from config)")
	configPath  = flag.String("config", "", "Path to the capture config JSON")
	exportDir   = flag.String("export-dir", "", "Directory for CSV exports (default from config)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("proximity-report %s (%s) built %s\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.EmptyCaptureConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadCaptureConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *dbPath == "" {
		*dbPath = cfg.GetDatabasePath()
	}
	if *exportDir == "" {
		*exportDir = cfg.GetExportDir()
	}

	// The migrate subcommand manages the schema and exits without
	// touching the sensors.
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbPath)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	opener := capture.RealOpener()
	if *devMode {
		log.Print("dev mode: using synthetic sensors")
		opener = capture.DevOpener()
	}
	ctrl := capture.NewControllerFromConfig(cfg, nil, opener)

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	exporter := export.NewExporter(fsutil.OSFileSystem{}, *exportDir, nil)

	var pub telemetry.Publisher = telemetry.NopPublisher{}
	if broker := cfg.GetMQTTBroker(); broker != "" {
		hostname, _ := os.Hostname()
		mq, err := telemetry.NewMQTTPublisher(broker, "proximity-report-"+hostname, cfg.GetMQTTTopicPrefix())
		if err != nil {
			log.Printf("MQTT publisher unavailable, telemetry disabled: %v", err)
		} else {
			log.Printf("publishing telemetry to %s", broker)
			pub = mq
		}
	}

	server := api.NewServer(ctrl, store, exporter, pub, cfg, nil)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := server.ServeMux()
		store.AttachAdminRoutes(mux)
		for _, l := range ctrl.Links() {
			l.AttachAdminRoutes(mux)
		}

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", *listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Capture shutdown goroutine: when the signal lands, end any active
	// run so the session record is closed before the process exits.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		server.Shutdown()
		log.Printf("capture routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
