package store

import (
	"context"
	"testing"
	"time"

	"github.com/basket/steamctl/internal/apperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateJob_EmptyActionRejected(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateJob(context.Background(), CreateJobRequest{Targets: []string{"t1"}})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreateJob_EmptyTargetsRejected(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateJob(context.Background(), CreateJobRequest{Action: "restart"})
	if !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCreateJob_AndGetJob_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, tasks, err := s.CreateJob(ctx, CreateJobRequest{
		Action:  "restart",
		Targets: []string{"host-a", "host-b", "host-c"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != JobQueued {
		t.Fatalf("expected Queued, got %s", job.Status)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}

	gotJob, gotTasks, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.ID != job.ID || gotJob.Status != JobQueued {
		t.Fatalf("job mismatch: %+v", gotJob)
	}
	if len(gotTasks) != 3 {
		t.Fatalf("expected 3 tasks on get, got %d", len(gotTasks))
	}
	for i, target := range []string{"host-a", "host-b", "host-c"} {
		if gotTasks[i].Target != target {
			t.Errorf("task[%d].Target = %q, want %q (input order)", i, gotTasks[i].Target, target)
		}
		if gotTasks[i].Status != TaskQueued || gotTasks[i].Attempt != 0 {
			t.Errorf("task[%d] not freshly Queued: %+v", i, gotTasks[i])
		}
	}
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.GetJob(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListJobs_OrderedDescendingAndClamped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		job, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"x"}})
		if err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
		ids = append(ids, job.ID)
		time.Sleep(time.Millisecond)
	}
	jobs, err := s.ListJobs(ctx, 0)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != ids[2] || jobs[2].ID != ids[0] {
		t.Fatalf("expected descending created_at order, got %+v", jobs)
	}

	limited, err := s.ListJobs(ctx, 1000)
	if err != nil {
		t.Fatalf("list jobs clamped: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("limit clamp should not drop rows below actual count, got %d", len(limited))
	}
}

func TestCancelJob_CancelsQueuedAndRunningOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1", "t2"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, _, err := s.SetTaskResult(ctx, TaskResult{TaskID: claimed.ID, Success: true}); err != nil {
		t.Fatalf("set result: %v", err)
	}

	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	gotJob, gotTasks, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != JobCanceled {
		t.Fatalf("expected Canceled, got %s", gotJob.Status)
	}
	var sawFinished, sawCanceled bool
	for _, task := range gotTasks {
		switch task.Status {
		case TaskFinished:
			sawFinished = true
		case TaskCanceled:
			sawCanceled = true
		}
	}
	if !sawFinished {
		t.Error("the already-Finished task should be left alone")
	}
	if !sawCanceled {
		t.Error("the Queued task should have become Canceled")
	}
}

func TestCancelJob_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.CancelJob(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestClaimNextQueuedTask_FIFOAndJobTransitionsToRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Region: "us-east", Targets: []string{"t1", "t2"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	first, err := s.ClaimNextQueuedTask(ctx, "us-east")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil {
		t.Fatal("expected a claimed task")
	}
	if first.Status != TaskRunning || first.Attempt != 1 {
		t.Fatalf("unexpected claimed task state: %+v", first)
	}

	gotJob, _, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != JobRunning {
		t.Fatalf("expected job Running after claim, got %s", gotJob.Status)
	}

	second, err := s.ClaimNextQueuedTask(ctx, "us-east")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if second == nil || second.ID == first.ID {
		t.Fatalf("expected a distinct second task, got %+v", second)
	}

	third, err := s.ClaimNextQueuedTask(ctx, "us-east")
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if third != nil {
		t.Fatalf("expected no more queued tasks, got %+v", third)
	}
}

func TestClaimNextQueuedTask_WrongRegionNotClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Region: "eu-west", Targets: []string{"t1"}}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	task, err := s.ClaimNextQueuedTask(ctx, "us-east")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no claim across regions, got %+v", task)
	}
}

func TestRequeueTask_OnlyAffectsRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tasks, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	queuedTaskID := tasks[0].ID

	// Requeue a task that is still Queued: no-op.
	if err := s.RequeueTask(ctx, queuedTaskID); err != nil {
		t.Fatalf("requeue queued task: %v", err)
	}

	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RequeueTask(ctx, claimed.ID); err != nil {
		t.Fatalf("requeue running task: %v", err)
	}

	_, gotTasks, err := s.GetJob(ctx, tasks[0].JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotTasks[0].Status != TaskQueued {
		t.Fatalf("expected Queued after requeue, got %s", gotTasks[0].Status)
	}
	if gotTasks[0].Attempt != 1 {
		t.Fatalf("expected attempt preserved at 1, got %d", gotTasks[0].Attempt)
	}
}

func TestRequeueStaleRunningTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	claimed, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claim")
	}

	// A zero lease means "older than now", so the just-claimed task is stale.
	affected, err := s.RequeueStaleRunningTasks(ctx, 0)
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if affected != 1 {
		t.Fatalf("expected 1 requeued task, got %d", affected)
	}

	_, gotTasks, err := s.GetJob(ctx, claimed.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotTasks[0].Status != TaskQueued {
		t.Fatalf("expected Queued, got %s", gotTasks[0].Status)
	}
}

func TestSetTaskResult_SuccessAndFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1", "t2"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	ok, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	task, job, err := s.SetTaskResult(ctx, TaskResult{TaskID: ok.ID, Success: true, Output: "done"})
	if err != nil {
		t.Fatalf("set result success: %v", err)
	}
	if task.Status != TaskFinished {
		t.Fatalf("expected Finished, got %s", task.Status)
	}
	if job.Status != JobRunning {
		t.Fatalf("expected job still Running (one task left), got %s", job.Status)
	}

	bad, err := s.ClaimNextQueuedTask(ctx, "")
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	_, job2, err := s.SetTaskResult(ctx, TaskResult{TaskID: bad.ID, Success: false, Error: "boom"})
	if err != nil {
		t.Fatalf("set result failure: %v", err)
	}
	if job2.Status != JobFailed {
		t.Fatalf("expected job Failed, got %s", job2.Status)
	}
}

func TestSetTaskResult_UnknownTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.SetTaskResult(context.Background(), TaskResult{TaskID: "deadbeefdeadbeefdeadbeefdeadbeef", Success: true})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSetTaskResult_OverridesQueuedTask_AtLeastOnceContract(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, tasks, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1"}})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	// Never claimed — still Queued — yet a result arrives (lease-expired
	// dispatch rediscovered in flight). Must still finalize.
	task, _, err := s.SetTaskResult(ctx, TaskResult{TaskID: tasks[0].ID, Success: true})
	if err != nil {
		t.Fatalf("set result on queued task: %v", err)
	}
	if task.Status != TaskFinished {
		t.Fatalf("expected Finished even from Queued, got %s", task.Status)
	}
}

func TestComputeJobStatus_RuleOrder(t *testing.T) {
	cases := []struct {
		name       string
		q, r, f, x, c int64
		want       JobStatus
	}{
		{"all running dominates", 1, 1, 1, 1, 1, JobRunning},
		{"queued plus any terminal is running", 1, 0, 1, 0, 0, JobRunning},
		{"pure queued", 2, 0, 0, 0, 0, JobQueued},
		{"failed with no queued/running", 0, 0, 1, 1, 0, JobFailed},
		{"canceled only", 0, 0, 0, 0, 1, JobCanceled},
		{"canceled alongside failed is failed", 0, 0, 0, 1, 1, JobFailed},
		{"all finished", 0, 0, 3, 0, 0, JobFinished},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := computeJobStatus(c.q, c.r, c.f, c.x, c.c)
			if got != c.want {
				t.Errorf("computeJobStatus(%d,%d,%d,%d,%d) = %s, want %s", c.q, c.r, c.f, c.x, c.c, got, c.want)
			}
		})
	}
}

func TestStats_CountsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, _, err := s.CreateJob(ctx, CreateJobRequest{Action: "a", Targets: []string{"t1", "t2"}}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.JobsByStatus[JobQueued] != 1 {
		t.Errorf("expected 1 queued job, got %d", stats.JobsByStatus[JobQueued])
	}
	if stats.TasksByStatus[TaskQueued] != 2 {
		t.Errorf("expected 2 queued tasks, got %d", stats.TasksByStatus[TaskQueued])
	}
}
