package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/forwarder/internal/config"
	"github.com/gluk-w/claworc/forwarder/internal/crypto"
	"github.com/gluk-w/claworc/forwarder/internal/database"
	"github.com/gluk-w/claworc/forwarder/internal/endpoint"
	"github.com/gluk-w/claworc/forwarder/internal/handlers"
	"github.com/gluk-w/claworc/forwarder/internal/logging"
	"github.com/gluk-w/claworc/forwarder/internal/middleware"
	"github.com/gluk-w/claworc/forwarder/internal/outpost"
	"github.com/gluk-w/claworc/forwarder/internal/sessionstore"
	"github.com/gluk-w/claworc/forwarder/internal/spawner"
	"github.com/gluk-w/claworc/forwarder/internal/sshforward"
	"github.com/gluk-w/claworc/forwarder/internal/sshkeys"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--public-key":
			runCLICommand("public-key")
			return
		case "--list-sessions":
			runCLICommand("list-sessions")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	site, err := config.LoadSite(config.Cfg.SiteConfig)
	if err != nil {
		log.Fatalf("Site config: %v", err)
	}

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	publicKey, created, err := sshkeys.EnsureIdentity(config.Cfg.SSHKeyPath)
	if err != nil {
		log.Fatalf("SSH key init: %v", err)
	}
	fingerprint, _ := sshkeys.Fingerprint([]byte(publicKey))
	log.Printf("SSH identity %s (fingerprint %s, generated=%v)", config.Cfg.SSHKeyPath, fingerprint, created)

	namespace := config.Cfg.K8sNamespace
	if namespace == "" {
		namespace = endpoint.DetectNamespace()
	}
	var publisher endpoint.Publisher = endpoint.FuncPublisher{}
	if client, err := endpoint.NewKubernetesClient(); err != nil {
		log.Printf("WARNING: Kubernetes unavailable, endpoints are not published: %v", err)
	} else {
		k8s := endpoint.NewKubernetesPublisher(client, namespace, config.Cfg.HubServiceName)
		publisher = k8s
		log.Printf("Publishing endpoints in namespace %s (hub service %s)", k8s.Namespace(), config.Cfg.HubServiceName)
	}

	remote := outpost.New(config.Cfg.OutpostURL, config.Cfg.OutpostToken, config.Cfg.OutpostTimeout)
	log.Printf("Outpost: %s (token %s)", config.Cfg.OutpostURL, crypto.Mask(config.Cfg.OutpostToken))

	driver := sshforward.NewDriver(sshforward.ExecRunner{},
		sshforward.WithCommandTimeout(config.Cfg.SSHCommandTimeout),
		sshforward.WithConnectTimeout(config.Cfg.SSHConnectTimeout),
	)

	dnsTemplate := config.Cfg.DNSNameTemplate
	mgr := spawner.NewManager(spawner.Deps{
		Remote:    remote,
		Driver:    driver,
		Publisher: publisher,
		Store:     sessionstore.New(database.DB),
		Hooks:     site.Hooks(config.Cfg),
		Options: spawner.Options{
			PublicAPIURL: config.Cfg.PublicAPIURL,
			InternalSSL:  config.Cfg.InternalSSL,
			NameTemplate: config.Cfg.EndpointNameTemplate,
			Namespace:    namespace,
			EventWait:    config.Cfg.EventWait,
			DNSName: func(name string) string {
				return endpoint.DNSName(dnsTemplate, namespace, name)
			},
		},
	})
	handlers.Manager = mgr
	handlers.Driver = driver
	handlers.StreamInterval = config.Cfg.EventWait

	ctx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	restored, err := mgr.Restore(ctx)
	if err != nil {
		log.Printf("WARNING: restore sessions: %v", err)
	}
	log.Printf("Restored %d session(s)", restored)

	scheduler := cron.New()
	if err := scheduleJobs(ctx, scheduler, mgr, config.Cfg.PollSchedule, config.Cfg.PruneSchedule); err != nil {
		log.Fatalf("Scheduler: %v", err)
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequireToken(config.Cfg.APIToken))
		handlers.Routes(r)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-scheduler.Stop().Done()
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Session shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	config.Load()

	switch command {
	case "public-key":
		publicKey, _, err := sshkeys.EnsureIdentity(config.Cfg.SSHKeyPath)
		if err != nil {
			log.Fatalf("SSH key init: %v", err)
		}
		fmt.Print(publicKey)

	case "list-sessions":
		if err := database.Init(); err != nil {
			log.Fatalf("Database init: %v", err)
		}
		defer database.Close()

		ids, err := sessionstore.New(database.DB).ListActive(context.Background())
		if err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		for _, id := range ids {
			fmt.Println(id.String())
		}
	}
}
