// Package deploy implements the provisioning pipeline: the fixed ordered
// sequence of remote operations that turns a bare SSH-reachable machine into
// a running, reverse-proxy-fronted inference server.
//
// Each step is a named function of the pipeline environment. Steps run
// strictly in order, fail fast, and are never retried; already-completed
// steps are not rolled back, because the whole sequence is idempotent and
// redeploying is the recovery strategy.
package deploy

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"llamadeploy/backend/transport"
)

// Env is the environment one pipeline run operates on.
type Env struct {
	Target    transport.Target
	Transport transport.Transport

	// ProjectDir is the local project tree synced to the target.
	ProjectDir string

	// RemoteDir is where the project lands on the target.
	RemoteDir string

	// ModelsDir is the weight cache directory on the target.
	ModelsDir string

	// CatalogPath is an optional model catalog, relative to RemoteDir.
	CatalogPath string

	LlamaSwapPort int
	NginxPort     int

	// HFToken is passed through to the remote weight download for gated repos.
	HFToken string

	// APIToken, when set, makes the remote proxy require bearer auth.
	APIToken string

	// IngressHost, when set, overrides public IP discovery for the final
	// URL (cloud providers with their own ingress, e.g. RunPod's proxy).
	IngressHost string

	Log *zap.Logger

	// URL is the externally reachable endpoint, set by the resolve-url step.
	URL string
}

// Step is one named pipeline operation.
type Step struct {
	Name string
	Run  func(ctx context.Context, env *Env) error
}

// StepResult records one completed step.
type StepResult struct {
	Name     string
	Duration time.Duration
}

// Run is the ephemeral record of a single pipeline invocation.
type Run struct {
	Completed []StepResult
}

// Steps returns the canonical provisioning sequence.
func Steps() []Step {
	return []Step{
		{Name: "sync-source", Run: syncSource},
		{Name: "install-packages", Run: installPackages},
		{Name: "install-toolchain", Run: installToolchain},
		{Name: "build-servers", Run: buildServers},
		{Name: "download-models", Run: downloadModels},
		{Name: "start-services", Run: startServices},
		{Name: "resolve-url", Run: resolveURL},
	}
}

// Execute runs the given steps in order against the environment.
// The first failing step aborts the rest; its error is wrapped with the
// step name. The returned Run lists the steps that completed.
func Execute(ctx context.Context, env *Env, steps []Step) (*Run, error) {
	run := &Run{}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return run, errors.Wrap(err, step.Name)
		}

		env.Log.Info("StepStarted", zap.String("step", step.Name))
		start := time.Now()

		if err := step.Run(ctx, env); err != nil {
			env.Log.Error("StepFailed",
				zap.String("step", step.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			return run, errors.Wrap(err, step.Name)
		}

		elapsed := time.Since(start)
		env.Log.Info("StepCompleted",
			zap.String("step", step.Name),
			zap.Duration("elapsed", elapsed))
		run.Completed = append(run.Completed, StepResult{Name: step.Name, Duration: elapsed})
	}

	return run, nil
}
