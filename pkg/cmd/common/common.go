package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/config"
	"github.com/stleox/spanflow/pkg/tracer"
)

const shutdownTimeout = 5 * time.Second

// GetBus connects to the bus named by config.BusType.
func GetBus() (bus.Bus, error) {
	cfg := bus.ConfigFromGlobals()
	b, err := bus.New(cfg)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"type":    cfg.Type,
		"address": cfg.Address,
	}).Info("SpanFlow connected to the message bus")
	return b, nil
}

// GetRecorder builds a recorder whose spans are exported over b. The returned
// cleanup flushes what is still queued.
func GetRecorder(service string, b bus.Bus) (*tracer.Recorder, func(ctx context.Context) error, error) {
	sampler, err := tracer.NewSampler(config.Sampler, config.SampleRatio)
	if err != nil {
		return nil, nil, err
	}
	reporter := tracer.NewReporter(service, tracer.NewBusTransport(b, config.SpanTopic))
	reporter.Start()

	recorder := tracer.NewRecorder(service,
		tracer.WithSampler(sampler),
		tracer.WithReporter(reporter))
	cleanup := func(ctx context.Context) error {
		err := reporter.Close(ctx)
		logrus.WithFields(logrus.Fields{
			"exported": reporter.Exported(),
			"dropped":  reporter.Dropped(),
		}).Info("SpanFlow closed the span reporter")
		return err
	}
	return recorder, cleanup, nil
}

// Serve runs handler on addr until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("SpanFlow started listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ShutdownContext bounds the time spent flushing on exit.
func ShutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
