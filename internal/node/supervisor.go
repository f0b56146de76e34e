package node

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// newSupervisor creates the root supervisor with its events logged on zap.
func newSupervisor(name string, logger *zap.Logger) *suture.Supervisor {
	return suture.New(name, suture.Spec{
		EventHook:        eventHook(logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

func eventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, len(e.Map()))
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Type() {
		case suture.EventTypeServicePanic:
			logger.Error(e.String(), fields...)
		case suture.EventTypeResume:
			logger.Info(e.String(), fields...)
		default:
			logger.Warn(e.String(), fields...)
		}
	}
}

// service adapts a function to suture.Service.
type service struct {
	name string
	run  func(ctx context.Context) error
}

func (s service) Serve(ctx context.Context) error { return s.run(ctx) }

func (s service) String() string { return s.name }

// every returns a service calling fn every interval.
func every(name string, clk clock.Clock, interval time.Duration, fn func(ctx context.Context)) service {
	return service{name: name, run: func(ctx context.Context) error {
		ticker := clk.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				fn(ctx)
			}
		}
	}}
}
