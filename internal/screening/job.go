package screening

import (
	"context"

	"github.com/trial-screening-engine/internal/domain"
)

// Job is a screening running in the background
type Job struct {
	cancel context.CancelFunc
	done   chan struct{}
	result domain.ScreeningResult
}

// ScreenAsync starts a screening and returns immediately. Cancelling the job or
// ctx stops retrieval and sampling; a cancelled job writes no audit record.
func (s *Service) ScreenAsync(ctx context.Context, patient *domain.PatientProfile, trial *domain.TrialCriteria) *Job {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(job.done)
		defer cancel()
		job.result = s.Screen(jobCtx, patient, trial)
	}()
	return job
}

// Done is closed when the screening has finished
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel requests cancellation; it does not wait
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the screening finishes and returns its result
func (j *Job) Wait() domain.ScreeningResult {
	<-j.done
	return j.result
}
