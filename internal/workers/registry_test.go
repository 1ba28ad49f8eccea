package workers

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRegistry(maxWorkers int) *Registry {
	return NewRegistry(Config{MaxWorkers: maxWorkers, SpecialistCapacity: 1})
}

func worker(id string, created time.Duration, specs ...string) *models.Worker {
	return &models.Worker{
		ID:              id,
		Kind:            models.WorkerSpecialist,
		Specializations: specs,
		MaxConcurrent:   1,
		CreatedAt:       epoch.Add(created),
	}
}

func TestScore(t *testing.T) {
	table := DefaultTable
	tk := &models.Task{ID: "t", Title: "Write unit tests"}

	tests := []struct {
		name string
		w    *models.Worker
		want float64
	}{
		{
			name: "matching fresh worker",
			w:    worker("a", 0, "testing"),
			want: 100 + 0.5*20,
		},
		{
			name: "non-matching fresh worker",
			w:    worker("b", 0, "documentation"),
			want: 0.5 * 20,
		},
		{
			name: "matching experienced worker",
			w: &models.Worker{
				Specializations: []string{"testing"},
				Stats:           models.WorkerStats{TasksCompleted: 4, Successes: 3, SuccessRate: 0.75},
			},
			want: 100 + 0.75*20 - 8,
		},
		{
			name: "unknown tag is its own keyword",
			w:    worker("c", 0, "unit"),
			want: 110,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(table, tt.w, tk); got != tt.want {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	r := newTestRegistry(4)
	w := worker("a", 0, "backend", "frontend")
	w.Stats = models.WorkerStats{TasksCompleted: 3, Successes: 2, SuccessRate: 2.0 / 3.0}
	tk := &models.Task{Title: "Build login page", Description: "React component talking to the API"}

	first := r.Score(w, tk)
	for i := 0; i < 100; i++ {
		if got := r.Score(w, tk); got != first {
			t.Fatalf("call %d: score %v differs from first %v", i, got, first)
		}
	}
}

// Two idle workers: the testing specialist wins "Write unit tests" even
// though the documentation worker has the better success rate.
func TestAssignPrefersSpecializationOverSuccessRate(t *testing.T) {
	r := newTestRegistry(4)
	tester := worker("tester", 0, "testing")
	writer := worker("writer", -time.Hour, "documentation")
	writer.Stats = models.WorkerStats{TasksCompleted: 1, Successes: 1, SuccessRate: 1.0}
	for _, w := range []*models.Worker{tester, writer} {
		if err := r.Register(w); err != nil {
			t.Fatal(err)
		}
	}

	a, err := r.Assign(&models.Task{ID: "t1", Title: "Write unit tests"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Worker.ID != "tester" {
		t.Errorf("expected tester, got %s", a.Worker.ID)
	}
	if a.Spawned {
		t.Error("no spawn expected when a worker matches")
	}
	if r.Count() != 2 {
		t.Errorf("expected no new workers, got %d", r.Count())
	}
}

func TestAssignSideEffects(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.Register(worker("tester", 0, "testing")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Assign(&models.Task{ID: "t1", Title: "add test coverage"}); err != nil {
		t.Fatal(err)
	}
	w, _ := r.Get("tester")
	if w.Status != models.WorkerBusy {
		t.Errorf("expected busy, got %s", w.Status)
	}
	if w.Load() != 1 || w.CurrentTasks[0] != "t1" {
		t.Errorf("expected current tasks [t1], got %v", w.CurrentTasks)
	}
	if len(r.IdleCandidates()) != 0 {
		t.Error("worker at capacity must not be a candidate")
	}
}

func TestAssignTieGoesToOldest(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.Register(worker("young", time.Minute, "backend")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(worker("old", 0, "backend")); err != nil {
		t.Fatal(err)
	}
	a, err := r.Assign(&models.Task{ID: "t1", Title: "Add API endpoint"})
	if err != nil {
		t.Fatal(err)
	}
	if a.Worker.ID != "old" {
		t.Errorf("expected oldest worker, got %s", a.Worker.ID)
	}
}

func TestAssignSpawnsSpecialist(t *testing.T) {
	tests := []struct {
		title    string
		wantSpec string
	}{
		{"Write API tests", "testing"},
		{"Update README", "documentation"},
		{"Deploy to staging", "devops"},
		{"Add REST endpoint", "backend"},
		{"Ponder the universe", DefaultSpecialization},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			r := newTestRegistry(4)
			if err := r.Register(worker("primary", 0, "security")); err != nil {
				t.Fatal(err)
			}
			a, err := r.Assign(&models.Task{ID: "t1", Title: tt.title, RequiredSkills: []string{"go"}})
			if err != nil {
				t.Fatal(err)
			}
			if !a.Spawned {
				t.Fatal("expected a spawned specialist")
			}
			if got := a.Worker.Specializations[0]; got != tt.wantSpec {
				t.Errorf("spawned %s, want %s", got, tt.wantSpec)
			}
			if a.Worker.Kind != models.WorkerSpecialist || a.Worker.Status != models.WorkerBusy {
				t.Errorf("unexpected worker %+v", a.Worker)
			}
			if a.Worker.Capabilities[len(a.Worker.Capabilities)-1] != "go" {
				t.Errorf("expected required skills in capabilities, got %v", a.Worker.Capabilities)
			}
		})
	}
}

func TestAssignAtCapFallsBackThenFails(t *testing.T) {
	r := newTestRegistry(1)
	if err := r.Register(worker("only", 0, "security")); err != nil {
		t.Fatal(err)
	}

	a, err := r.Assign(&models.Task{ID: "t1", Title: "Update README"})
	if err != nil {
		t.Fatalf("expected fallback to non-matching worker, got %v", err)
	}
	if a.Worker.ID != "only" || a.Spawned {
		t.Errorf("unexpected assignment %+v", a)
	}

	_, err = r.Assign(&models.Task{ID: "t2", Title: "Update README"})
	if !errors.Is(err, ErrNoEligibleWorker) {
		t.Errorf("expected ErrNoEligibleWorker, got %v", err)
	}
}

func TestAssignHonoursExclusion(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.Register(worker("first", 0, "testing")); err != nil {
		t.Fatal(err)
	}
	a, err := r.Assign(&models.Task{ID: "t1", Title: "Write unit tests", ExcludedWorkers: []string{"first"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.Worker.ID == "first" {
		t.Error("excluded worker was chosen")
	}
	if !a.Spawned {
		t.Error("expected a replacement specialist")
	}
}

func TestErrorWorkerExcludedUntilReset(t *testing.T) {
	r := newTestRegistry(1)
	if err := r.Register(worker("w", 0, "testing")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Assign(&models.Task{ID: "t1", Title: "run tests"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Release("w", "t1", Outcome{Fault: errors.New("panic")}); err != nil {
		t.Fatal(err)
	}
	w, _ := r.Get("w")
	if w.Status != models.WorkerError || w.LastError != "panic" {
		t.Fatalf("expected error status, got %s (%q)", w.Status, w.LastError)
	}
	if _, err := r.Assign(&models.Task{ID: "t2", Title: "run tests"}); !errors.Is(err, ErrNoEligibleWorker) {
		t.Fatalf("errored worker must be skipped, got %v", err)
	}

	if err := r.Reset("w"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Assign(&models.Task{ID: "t2", Title: "run tests"}); err != nil {
		t.Fatalf("reset worker should be assignable: %v", err)
	}
}

func TestReleaseUpdatesStats(t *testing.T) {
	r := newTestRegistry(4)
	w := worker("w", 0, "backend")
	w.MaxConcurrent = 2
	if err := r.Register(w); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"t1", "t2"} {
		if _, err := r.Assign(&models.Task{ID: id, Title: "api work"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Release("w", "t1", Outcome{Success: true, Quality: 90, HasQuality: true, Duration: time.Second}); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("w")
	if got.Status != models.WorkerBusy || got.Load() != 1 {
		t.Errorf("expected still busy with 1 task, got %s/%d", got.Status, got.Load())
	}

	if err := r.Release("w", "t2", Outcome{Success: false, Duration: time.Second}); err != nil {
		t.Fatal(err)
	}
	got, _ = r.Get("w")
	if got.Status != models.WorkerIdle {
		t.Errorf("expected idle, got %s", got.Status)
	}
	if got.Stats.TasksCompleted != 2 || got.Stats.SuccessRate != 0.5 || got.Stats.AverageQuality != 90 {
		t.Errorf("unexpected stats %+v", got.Stats)
	}
}

func TestDropDoesNotCountAttempt(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.Register(worker("w", 0, "backend")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Assign(&models.Task{ID: "t1", Title: "api"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Drop("w", "t1"); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("w")
	if got.Status != models.WorkerIdle || got.Stats.TasksCompleted != 0 {
		t.Errorf("unexpected worker after drop: %+v", got)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(4)
	if err := r.Register(worker("w", 0)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(worker("w", 0)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("expected ErrUnknownWorker, got %v", err)
	}
}
