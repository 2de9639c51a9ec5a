// Command locator runs the speaker localization bridge and its offline
// tools.
//
//	locator serve   -listen :8080 [-grpc-listen :50051] -db recordings.db -config tuning.json
//	locator replay  -db recordings.db -session <id> [-config tuning.json] [-estimates]
//	locator sessions -db recordings.db
//	locator migrate -db recordings.db <up|down|status|version N|force N>
//	locator -version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc"

	"github.com/craigm26/LiveCaptionsXR/internal/anchor"
	"github.com/craigm26/LiveCaptionsXR/internal/api"
	"github.com/craigm26/LiveCaptionsXR/internal/config"
	"github.com/craigm26/LiveCaptionsXR/internal/db"
	"github.com/craigm26/LiveCaptionsXR/internal/doa"
	"github.com/craigm26/LiveCaptionsXR/internal/fusion"
	"github.com/craigm26/LiveCaptionsXR/internal/replay"
	"github.com/craigm26/LiveCaptionsXR/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: locator <serve|replay|sessions|migrate> [flags]")
	fmt.Fprintln(w, "       locator -version")
}

// run dispatches a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "-version", "--version", "version":
		fmt.Fprintln(stdout, version.String())
		return 0
	case "serve":
		err = runServe(args[1:], stderr)
	case "replay":
		err = runReplay(args[1:], stdout, stderr)
	case "sessions":
		err = runSessions(args[1:], stdout, stderr)
	case "migrate":
		err = runMigrate(args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, db.ErrUsage):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		fmt.Fprintf(stderr, "locator %s: %v\n", args[0], err)
		return 1
	}
}

// loadTuning reads the tuning file, or returns the built-in defaults when
// path is empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// bridge holds the long-lived pieces behind the HTTP handler.
type bridge struct {
	handler http.Handler
	server  *api.Server
	manager *fusion.Manager
	store   *db.DB
}

func (b *bridge) Close() {
	b.server.Close()
	b.manager.Shutdown()
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			log.Printf("failed to close database: %v", err)
		}
	}
}

// newBridge wires the session manager, anchor registry, recorder and API.
// An empty dbPath disables recording.
func newBridge(tuning *config.TuningConfig, dbPath string) (*bridge, error) {
	deps := fusion.SessionDeps{}
	registry := anchor.NewRegistry(nil, tuning.GetCaptionDuration())
	deps.Placer = registry

	var store *db.DB
	if dbPath != "" {
		var err error
		store, err = db.NewDB(dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open recordings database: %w", err)
		}
		deps.Recorder = store
	}

	manager := fusion.NewManager(fusion.ConfigFromTuning(tuning), deps)
	server := api.NewServer(manager, api.Options{
		Anchors: registry,
		Store:   store,
		DOA:     doa.ParamsFromTuning(tuning),
	})
	mux := server.ServeMux()
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &bridge{
		handler: api.LoggingMiddleware(mux),
		server:  server,
		manager: manager,
		store:   store,
	}, nil
}

func runServe(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listen := fs.String("listen", ":8080", "Listen address")
	dbPath := fs.String("db", "recordings.db", "SQLite recordings database (empty disables recording)")
	grpcListen := fs.String("grpc-listen", "", "gRPC listen address for session event streams (empty disables)")
	configPath := fs.String("config", "", "Tuning JSON file (defaults built in)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("%w: listen address is required", db.ErrUsage)
	}

	tuning, err := loadTuning(*configPath)
	if err != nil {
		return err
	}
	b, err := newBridge(tuning, *dbPath)
	if err != nil {
		return err
	}
	defer b.Close()

	var grpcLis net.Listener
	if *grpcListen != "" {
		if grpcLis, err = net.Listen("tcp", *grpcListen); err != nil {
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background predict loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := b.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("session tick loop failed: %v", err)
		}
		log.Print("tick routine terminated")
	}()

	server := &http.Server{
		Addr:              *listen,
		Handler:           b.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", version.String(), *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = grpc.NewServer()
		b.server.RegisterGRPC(grpcServer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("gRPC event streams on %s", grpcLis.Addr())
			if err := grpcServer.Serve(grpcLis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	b.server.Close() // End event streams
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	wg.Wait()
	if err := <-serveErr; err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Printf("Graceful shutdown complete")
	return nil
}

func runReplay(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "recordings.db", "SQLite recordings database")
	sessionID := fs.String("session", "", "Recorded session ID")
	configPath := fs.String("config", "", "Tuning JSON file (defaults to the session's recorded tuning)")
	withEstimates := fs.Bool("estimates", false, "Include every fused estimate in the report")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sessionID == "" {
		return fmt.Errorf("%w: -session is required", db.ErrUsage)
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var cfg fusion.Config
	if *configPath != "" {
		tuning, err := loadTuning(*configPath)
		if err != nil {
			return err
		}
		cfg = fusion.ConfigFromTuning(tuning)
	} else if cfg, err = store.SessionConfig(ctx, *sessionID); err != nil {
		return err
	}

	opts := replay.Options{Config: cfg}
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.SessionID == *sessionID {
			opts.StartUnixNanos = s.StartedUnixNanos
		}
	}

	rep, err := replay.Run(ctx, store, *sessionID, opts)
	if err != nil {
		return err
	}
	if !*withEstimates {
		rep.Estimates = nil
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func runSessions(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "recordings.db", "SQLite recordings database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := db.NewDB(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tLABEL\tSTARTED\tDURATION\tMEASUREMENTS\tESTIMATES")
	for _, s := range sessions {
		started := time.Unix(0, s.StartedUnixNanos).UTC()
		dur := "open"
		if s.EndedUnixNanos != 0 {
			dur = time.Duration(s.EndedUnixNanos - s.StartedUnixNanos).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n",
			s.SessionID, s.Label, started.Format(time.RFC3339), dur, s.Measurements, s.Estimates)
	}
	return tw.Flush()
}

func runMigrate(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "recordings.db", "SQLite recordings database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, stdout)
}
