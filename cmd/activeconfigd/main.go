package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"activeconfig/internal/api"
	"activeconfig/internal/backends"
	"activeconfig/internal/flow"
	"activeconfig/internal/ports"
	"activeconfig/internal/pub"
	"activeconfig/internal/remote"
	"activeconfig/internal/transport"
	"activeconfig/internal/types"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load environment variables
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Info("The .env file not found.")
	}
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	settingsPath := flag.String("config", os.Getenv("ACTIVECONFIG_CONFIG"), "path to the YAML settings file")
	flag.Parse()

	settings, err := types.LoadSettings(*settingsPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	ctx := context.Background()

	store, err := backends.EntryBackendFromSettings(ctx, settings)
	if err != nil {
		log.Fatalf("Failed to open entry store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	forward := []ports.Notifier{pub.LogNotifier{}}
	if settings.SNSTopicArn != "" {
		snsClient, err := pub.SNSClientFromEnv(ctx)
		if err != nil {
			log.Fatalf("Failed to load AWS config: %v", err)
		}
		forward = append(forward, pub.NewSNS(snsClient, settings.SNSTopicArn))
	}
	notifier := pub.NewBroadcaster(forward...)

	tr := transport.NewHTTP(settings.Timeout())
	engine, err := flow.NewEngine(settings, store, remote.NewClient(settings, tr), tr, notifier)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := engine.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("engine shutdown")
		}
	}()

	if err := engine.Register(deviceInfo()); err != nil {
		log.Fatalf("Failed to register: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if settings.ListenPort == 0 {
		log.Info("local HTTP surface disabled, synchronizing only")
		<-sig
		return
	}

	stop, done := api.RunServerInterruptible(settings.ListenPort, engine)
	select {
	case <-sig:
		close(stop)
		if err := <-done; err != nil {
			log.WithError(err).Error("server shutdown")
		}
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("server stopped")
		}
	}
}

func deviceInfo() types.DeviceInfo {
	return types.DeviceInfo{
		Sys:        runtime.GOOS + "/" + runtime.GOARCH,
		Version:    runtime.Version(),
		Language:   getenv("LANG", "en-US"),
		Resolution: "0*0",
		Carrier:    "none",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
