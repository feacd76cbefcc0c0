package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/n9te9/federation-engine/gateway"
	"github.com/n9te9/federation-engine/internal/config"
	"github.com/n9te9/federation-engine/registry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultConfigPath = "gateway.yaml"

const defaultConfigTemplate = `endpoint: /graphql
service_name: federation-gateway
port: 8081
timeout_duration: 5s
enable_hang_over_request_header: true
enable_optimized_planner: false
services: []
opentelemetry:
  tracing:
    enable: false
entity_cache:
  enable: false
apq:
  enable: true
  cache_size: 1000
batching:
  enable: false
  window_millis: 10
  max_batch_size: 50
coprocessor:
  enable: false
`

type registryServer struct {
	registry        *registry.Registry
	graphqlEndpoint string
}

func (s *registryServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/schema/registration":
		if req.Method == http.MethodPost {
			s.registry.RegisterGateway(w, req)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

type Graph struct {
	Name string
	Host string
	SDL  string
}

func RunRegistry(graphs []*Graph) error {
	if len(graphs) == 0 {
		return errors.New("no graphs provided")
	}

	reg := registry.NewRegistry()
	reg.Start()

	s := &registryServer{
		registry:        reg,
		graphqlEndpoint: "/graphql",
	}

	srv := &http.Server{
		Addr:    ":8080",
		Handler: s,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt, os.Kill)
	defer stop()
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	return nil
}

// Init scaffolds a new Federation Gateway project in the current directory:
// a gateway.yaml config with sane defaults and no subgraphs registered yet.
// It refuses to overwrite an existing config.
func Init() error {
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return fmt.Errorf("server: %s already exists", defaultConfigPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("server: checking for %s: %w", defaultConfigPath, err)
	}

	if err := os.WriteFile(defaultConfigPath, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("server: writing %s: %w", defaultConfigPath, err)
	}

	log.Printf("wrote %s", defaultConfigPath)
	return nil
}

// Run loads gateway.yaml from the current directory and serves the
// gateway until it receives SIGTERM/SIGINT, then drains in-flight
// requests before exiting.
func Run() error {
	settings, err := config.Load(defaultConfigPath)
	if err != nil {
		return fmt.Errorf("server: loading %s: %w", defaultConfigPath, err)
	}

	gw, err := gateway.NewGateway(*settings)
	if err != nil {
		return fmt.Errorf("server: building gateway: %w", err)
	}

	gwHandler := http.Handler(gw)
	if settings.Opentelemetry.Tracing.Enable {
		gwHandler = otelhttp.NewHandler(gw, settings.ServiceName)
	}

	timeoutDuration, err := time.ParseDuration(settings.TimeoutDuration)
	if err != nil {
		return fmt.Errorf("server: parsing timeout_duration: %w", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", settings.Port),
		Handler: gwHandler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt, os.Kill)
	defer stop()

	go func() {
		log.Printf("starting gateway server on port %d", settings.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	<-ctx.Done()

	timeoutCtx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()

	log.Println("shutting down gateway server...")
	if err := srv.Shutdown(timeoutCtx); err != nil {
		return fmt.Errorf("server: shutting down gateway server: %w", err)
	}

	log.Println("gateway server stopped")
	return nil
}
