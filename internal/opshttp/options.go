package opshttp

import (
	"context"
	"net/http"

	"github.com/keithlinneman/sitedeploy/internal/health"
	"github.com/keithlinneman/sitedeploy/internal/history"
)

// DeployLister serves GET /api/deploys.
type DeployLister interface {
	Recent(ctx context.Context, q history.Query) ([]history.Record, error)
}

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	Deploys      DeployLister // nil leaves /api/deploys unregistered
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
}
