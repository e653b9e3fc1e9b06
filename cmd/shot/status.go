package main

import (
	"context"
	"errors"
	"time"

	"github.com/gateway-fm/cellshot/internal/follower"
	"github.com/gateway-fm/cellshot/internal/pipeline"
	"github.com/gateway-fm/cellshot/internal/progress"
	"github.com/gateway-fm/cellshot/internal/reconciler"
	"github.com/gateway-fm/cellshot/internal/transport"
)

type readiness interface {
	Ready() bool
}

type senderStatus interface {
	Status() pipeline.Status
}

type reportSource interface {
	Last() (reconciler.Report, bool)
}

// statusProvider assembles /v1/status from the running workers.
type statusProvider struct {
	instance  string
	id        string
	startedAt time.Time
	endpoints []string

	follower readiness
	pipeline senderStatus
	reports  reportSource
	hub      *progress.Hub
}

func (p *statusProvider) Status(context.Context) (transport.Status, error) {
	st := transport.Status{
		Instance:  p.instance,
		ID:        p.id,
		StartedAt: p.startedAt,
		Endpoints: p.endpoints,
		Ready:     p.follower.Ready(),
		Sender:    p.pipeline.Status(),
		Workers:   p.hub.Snapshot(),
	}
	if r, ok := p.reports.Last(); ok {
		st.Report = &r
	}
	return st, nil
}

var errNotSynced = errors.New("no block synced yet")

func followerProbe(f readiness) transport.ReadinessProbe {
	return transport.ReadinessProbe{
		Name: "follower",
		Check: func(context.Context) error {
			if !f.Ready() {
				return errNotSynced
			}
			return nil
		},
	}
}

var (
	_ readiness    = (*follower.Follower)(nil)
	_ senderStatus = (*pipeline.Pipeline)(nil)
	_ reportSource = (*reconciler.Reconciler)(nil)
)
