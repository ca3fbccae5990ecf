package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	pool "github.com/OpenAgentsInc/openagents-pool"
	"github.com/OpenAgentsInc/openagents-pool/backoff"
	"github.com/OpenAgentsInc/openagents-pool/job"
	"github.com/OpenAgentsInc/openagents-pool/registry"
	"github.com/OpenAgentsInc/openagents-pool/relay/memory"
	"github.com/OpenAgentsInc/openagents-pool/worker"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T, bus *memory.Bus, nodeID string) *registry.Registry {
	t.Helper()
	r, err := registry.New(pool.DefaultConfig(), bus, nostr.GeneratePrivateKey(),
		registry.WithLogger(discard()),
		registry.WithNodeID(nodeID),
		registry.WithRetryStrategy(backoff.NewConstant(time.Millisecond)),
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerExecutesJob(t *testing.T) {
	bus := memory.New()
	ctx := context.Background()

	customer := newRegistry(t, bus, "customer-1")
	workerReg := newRegistry(t, bus, "worker-1")
	customer.Start(ctx)
	defer customer.Stop()
	workerReg.Start(ctx)
	defer workerReg.Stop()
	waitFor(t, "subscriptions", func() bool { return bus.SubscriptionCount() == 2 })

	handler := func(_ context.Context, j *job.Job) (string, error) {
		return "echo:" + j.Inputs[0].Data, nil
	}
	runner := worker.NewRunner(workerReg, handler, discard(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithFilter(registry.Filter{RunOn: "^openagents/extism$"}),
	)
	runner.Start(ctx)
	defer runner.Stop()

	j, err := customer.RequestJob(ctx, job.RequestSpec{
		RunOn:  "openagents/extism",
		Inputs: []job.Input{{Data: "hello", Type: "text", Marker: "main"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	wr, err := customer.WaitForResult(ctx, j.ID, 5*time.Millisecond, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if wr == nil || wr.Result.Content != "echo:hello" {
		t.Fatalf("result = %+v", wr)
	}
}

func TestRunnerSkipsNonMatchingJobs(t *testing.T) {
	bus := memory.New()
	ctx := context.Background()

	customer := newRegistry(t, bus, "customer-1")
	workerReg := newRegistry(t, bus, "worker-1")
	customer.Start(ctx)
	defer customer.Stop()
	workerReg.Start(ctx)
	defer workerReg.Stop()
	waitFor(t, "subscriptions", func() bool { return bus.SubscriptionCount() == 2 })

	runner := worker.NewRunner(workerReg,
		func(context.Context, *job.Job) (string, error) { return "never", nil },
		discard(),
		worker.WithPollInterval(5*time.Millisecond),
		worker.WithFilter(registry.Filter{RunOn: "^gpu/cuda$"}),
	)
	runner.Start(ctx)
	defer runner.Stop()

	j, err := customer.RequestJob(ctx, job.RequestSpec{
		RunOn:  "openagents/extism",
		Inputs: []job.Input{{Data: "x", Type: "text"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	got, err := workerReg.Job(ctx, j.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.WorkerResult("worker-1", workerReg.PublicKey()) != nil {
		t.Fatal("runner touched a job outside its filter")
	}
}

func TestRunnerCancelsOnHandlerError(t *testing.T) {
	bus := memory.New()
	ctx := context.Background()

	customer := newRegistry(t, bus, "customer-1")
	workerReg := newRegistry(t, bus, "worker-1")
	customer.Start(ctx)
	defer customer.Stop()
	workerReg.Start(ctx)
	defer workerReg.Stop()
	waitFor(t, "subscriptions", func() bool { return bus.SubscriptionCount() == 2 })

	handler := func(context.Context, *job.Job) (string, error) {
		return "", errors.New("plugin crashed")
	}
	runner := worker.NewRunner(workerReg, handler, discard(),
		worker.WithPollInterval(5*time.Millisecond),
	)
	runner.Start(ctx)
	defer runner.Stop()

	j, err := customer.RequestJob(ctx, job.RequestSpec{
		Inputs: []job.Input{{Data: "x", Type: "text"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	waitFor(t, "cancellation", func() bool {
		got, err := customer.Job(ctx, j.ID)
		if err != nil {
			return false
		}
		wr := got.WorkerResult("worker-1", workerReg.PublicKey())
		return wr != nil && wr.Status == job.StatusError
	})
}

func TestRunnerRecoversFromPanic(t *testing.T) {
	bus := memory.New()
	ctx := context.Background()

	customer := newRegistry(t, bus, "customer-1")
	workerReg := newRegistry(t, bus, "worker-1")
	customer.Start(ctx)
	defer customer.Stop()
	workerReg.Start(ctx)
	defer workerReg.Stop()
	waitFor(t, "subscriptions", func() bool { return bus.SubscriptionCount() == 2 })

	runner := worker.NewRunner(workerReg,
		func(context.Context, *job.Job) (string, error) { panic("boom") },
		discard(),
		worker.WithPollInterval(5*time.Millisecond),
	)
	runner.Start(ctx)
	defer runner.Stop()

	j, err := customer.RequestJob(ctx, job.RequestSpec{
		Inputs: []job.Input{{Data: "x", Type: "text"}},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	waitFor(t, "panic surfaced as cancellation", func() bool {
		got, err := customer.Job(ctx, j.ID)
		if err != nil {
			return false
		}
		wr := got.WorkerResult("worker-1", workerReg.PublicKey())
		return wr != nil && wr.Status == job.StatusError
	})
}
