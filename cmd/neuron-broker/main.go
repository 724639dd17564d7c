package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/careagent/neuron/internal/advertise"
	"github.com/careagent/neuron/internal/audit"
	"github.com/careagent/neuron/internal/auth"
	"github.com/careagent/neuron/internal/challenge"
	"github.com/careagent/neuron/internal/clock"
	"github.com/careagent/neuron/internal/config"
	"github.com/careagent/neuron/internal/directory"
	"github.com/careagent/neuron/internal/events"
	"github.com/careagent/neuron/internal/handshake"
	"github.com/careagent/neuron/internal/ipc"
	"github.com/careagent/neuron/internal/logging"
	"github.com/careagent/neuron/internal/protocol"
	"github.com/careagent/neuron/internal/registration"
	"github.com/careagent/neuron/internal/relationship"
	"github.com/careagent/neuron/internal/rest"
	"github.com/careagent/neuron/internal/storage"
)

// version and commit are set at build time via ldflags.
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	// Subcommand dispatch: "neuron-broker serve" (default) or
	// "neuron-broker verify-audit <path>".
	if len(os.Args) > 1 && os.Args[1] == "verify-audit" {
		runVerifyAudit(os.Args[2:])
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		os.Args = append(os.Args[:1], os.Args[2:]...)
	}
	runServe()
}

func runVerifyAudit(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: neuron-broker verify-audit <path>")
		os.Exit(2)
	}
	result, err := audit.Verify(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify failed to run: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("entries=%d valid=%t", result.EntriesCount, result.Valid)
	if !result.Valid {
		fmt.Printf(" error=%q", result.FirstError)
	}
	fmt.Println()
	if !result.Valid {
		os.Exit(1)
	}
}

func runServe() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("neuron " + versionString())
	for k, v := range cfg.Values() {
		fmt.Printf("%s=%s\n", k, v)
	}
	fmt.Println("=============================================")

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db, storage.Migrations()); err != nil {
		log.Error("failed to migrate storage", "error", err)
		os.Exit(1)
	}

	al, err := audit.Open(cfg.AuditPath, clock.Real{}, log.Logger)
	if err != nil {
		log.Error("failed to open audit log", "error", err)
		os.Exit(1)
	}
	defer al.Close()

	snapshots, err := ipc.OpenSnapshotStore(cfg.SnapshotPath)
	if err != nil {
		log.Error("failed to open snapshot store", "error", err)
		os.Exit(1)
	}
	defer snapshots.Close()

	rels := relationship.NewStore(db, clock.Real{})
	terminator := relationship.NewTerminator(rels, db, al, clock.Real{})
	challenges := challenge.New(clock.Real{})
	engine := handshake.New(challenges, rels, al, cfg.OrganizationNPI)

	dirClient := directory.New(cfg.DirectoryURL, nil)
	regCfg := registration.Config{
		OrganizationNPI:    cfg.OrganizationNPI,
		OrganizationName:   cfg.OrganizationName,
		OrganizationType:   cfg.OrganizationType,
		DirectoryURL:       cfg.DirectoryURL,
		NeuronEndpointURL:  cfg.NeuronEndpointURL,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		BackoffBase:        time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		BackoffCeiling:     time.Duration(cfg.BackoffCeilingMS) * time.Millisecond,
		HealthArtifactPath: cfg.HealthArtifactPath,
	}
	regSvc := registration.New(regCfg, dirClient, db, al, clock.Real{}, log.Logger)
	if err := regSvc.Start(ctx); err != nil {
		log.Error("failed to start registration service", "error", err)
		os.Exit(1)
	}
	defer regSvc.Stop()

	protoCfg := protocol.Config{
		Path:                    cfg.HandshakePath,
		MaxConcurrentHandshakes: cfg.MaxConcurrentHandshakes,
		QueueTimeout:            time.Duration(cfg.QueueTimeoutMS) * time.Millisecond,
		AuthTimeout:             time.Duration(cfg.AuthTimeoutMS) * time.Millisecond,
		MaxFrameBytes:           cfg.MaxFrameBytes,
	}
	protoSrv := protocol.New(protoCfg, cfg.OrganizationNPI, engine, challenges, rels, al, regSvc, clock.Real{}, log.Logger, snapshots)

	mux := http.NewServeMux()
	if err := protoSrv.Start(cfg.ListenAddr, mux); err != nil {
		log.Error("failed to start protocol server", "error", err)
		os.Exit(1)
	}

	eventBus := events.New()

	var restSrv *rest.Server
	if cfg.RESTEnabled {
		restSrv = rest.New(rest.Deps{
			Relationships:  rels,
			Terminator:     terminator,
			Registration:   regSvc,
			Protocol:       protoSrv,
			AuditPath:      cfg.AuditPath,
			JWTSecret:      cfg.OperatorJWTSecret,
			Events:         eventBus,
			MetricsEnabled: cfg.MetricsEnabled,
			Log:            log.Logger,
		})
		if err := restSrv.Start(cfg.ListenAddr, mux); err != nil {
			log.Error("failed to start rest server", "error", err)
			os.Exit(1)
		}
	}

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info("http listener starting", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http listener exited", "error", err)
		}
	}()

	var ipcSrv *ipc.Server
	if cfg.IPCSocketPath != "" {
		plaintext, hash, err := auth.GenerateAPIToken()
		if err != nil {
			log.Error("failed to provision ipc token", "error", err)
		} else {
			log.Info("ipc admin token issued; record it now, it will not be shown again", "token", plaintext)
			ipcSrv = ipc.New(cfg.IPCSocketPath, ipc.Deps{
				Relationships: rels,
				Terminator:    terminator,
				Registration:  regSvc,
				Protocol:      protoSrv,
				Snapshots:     snapshots,
				TokenHash:     hash,
				Log:           log.Logger,
				Shutdown:      cancel,
			})
			if err := ipcSrv.Start(); err != nil {
				log.Error("failed to start ipc socket", "error", err)
			}
		}
	}

	var announcer *advertise.Announcer
	if cfg.AdvertiseEnabled {
		announcer = advertise.New(cfg.AdvertiseService, advertise.Record{
			OrganizationNPI: cfg.OrganizationNPI,
			ProtocolVersion: "v1.0",
			Endpoint:        cfg.NeuronEndpointURL,
		}, log.Logger)
		if err := announcer.Start(5 * time.Minute); err != nil {
			log.Warn("mdns advertisement failed to start", "error", err)
			announcer = nil
		}
	}

	<-ctx.Done()
	log.Info("shutting down")

	if announcer != nil {
		announcer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := protoSrv.Stop(shutdownCtx); err != nil {
		log.Error("protocol server shutdown error", "error", err)
	}
	if ipcSrv != nil {
		ipcSrv.Stop()
	}
	if restSrv != nil {
		if err := restSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("rest server shutdown error", "error", err)
		}
	}
	_ = server.Shutdown(shutdownCtx)
}
