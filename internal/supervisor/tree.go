// Package supervisor runs the long-lived services under a suture tree.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"campus-realtime/internal/logging"
)

// Tree has two layers: api holds the HTTP server, background holds the
// notification scheduler and expiry sweeper. A crash loop in one layer
// does not restart the other.
type Tree struct {
	root       *suture.Supervisor
	api        *suture.Supervisor
	background *suture.Supervisor
}

func New(shutdownTimeout time.Duration) *Tree {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	spec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	}
	root := suture.New("campus-realtime", spec)
	spec.EventHook = nil
	api := suture.New("api", spec)
	background := suture.New("background", spec)
	root.Add(api)
	root.Add(background)
	return &Tree{root: root, api: api, background: background}
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

func (t *Tree) AddBackground(svc suture.Service) suture.ServiceToken {
	return t.background.Add(svc)
}

// Serve blocks until ctx is canceled or the root supervisor gives up.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(e suture.Event) {
	log := logging.WithComponent("supervisor")
	ev := log.Warn()
	switch e.(type) {
	case suture.EventServicePanic, suture.EventServiceTerminate:
		ev = log.Error()
	case suture.EventResume:
		ev = log.Info()
	}
	ev.Fields(e.Map()).Msg(e.String())
}
