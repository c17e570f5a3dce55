package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

func newServer(port int, engine Engine) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewHandler(engine).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RunServer serves the local config endpoints. This is a blocking call.
func RunServer(port int, engine Engine) error {
	srv := newServer(port, engine)
	log.Printf("activeconfig listening on %s\n", srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// RunServerInterruptible runs the server in a Go routine and immediately returns. Closing or
// sending to stop shuts the server down gracefully; done receives the outcome once.
func RunServerInterruptible(port int, engine Engine) (stop chan<- struct{}, done <-chan error) {
	srv := newServer(port, engine)

	stopCh := make(chan struct{})
	doneCh := make(chan error, 1)

	go func() {
		log.Printf("activeconfig listening on %s\n", srv.Addr)
		err := srv.ListenAndServe()
		// http.ErrServerClosed is returned on Shutdown; treat that as clean exit
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			doneCh <- err
			return
		}
		doneCh <- nil
	}()

	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	return stopCh, doneCh
}
