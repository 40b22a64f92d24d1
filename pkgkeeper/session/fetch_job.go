package session

import (
	"context"

	pm "github.com/steelcutops/pkgkeeper/pkgkeeper/packagemanager"
	"github.com/steelcutops/pkgkeeper/pkgkeeper/reconciler"
)

// progressBuffer holds every distinct percentage a fetch can emit, so the
// worker never blocks on a slow listener.
const progressBuffer = 101

// FetchJob is one background fetch. Progress is closed when the job ends.
type FetchJob struct {
	Progress <-chan int

	cancel   context.CancelFunc
	done     chan struct{}
	packages []pm.Package
	err      error
}

func startJob(ctx context.Context, r *reconciler.Reconciler, outdated bool) *FetchJob {
	ctx, cancel := context.WithCancel(ctx)
	progress := make(chan int, progressBuffer)
	job := &FetchJob{Progress: progress, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(job.done)
		defer close(progress)
		defer cancel()

		packages, err := r.Fetch(ctx, outdated, func(percent int) {
			select {
			case progress <- percent:
			default:
			}
		})
		// A cancelled fetch may surface as a killed subprocess; report the
		// cancellation itself.
		if err != nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			packages = nil
		}
		job.packages, job.err = packages, err
	}()
	return job
}

func finishedJob(err error) *FetchJob {
	progress := make(chan int)
	close(progress)
	done := make(chan struct{})
	close(done)
	return &FetchJob{Progress: progress, cancel: func() {}, done: done, err: err}
}

// Wait blocks until the job ends and returns its records or its error.
func (j *FetchJob) Wait() ([]pm.Package, error) {
	<-j.done
	return j.packages, j.err
}

// Cancel asks the job to stop. It does not wait; call Wait for that.
func (j *FetchJob) Cancel() {
	j.cancel()
}

// Done is closed when the job has ended.
func (j *FetchJob) Done() <-chan struct{} {
	return j.done
}
