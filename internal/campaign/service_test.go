package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"PulseDispatch/internal/models"
	"PulseDispatch/internal/queue"
)

type fakeStore struct {
	mu        sync.Mutex
	campaigns []models.Campaign
	tasks     map[string]models.EmailTask
	failWrite error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]models.EmailTask{}}
}

func (s *fakeStore) CreateCampaign(_ context.Context, c models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil {
		return s.failWrite
	}
	s.campaigns = append(s.campaigns, c)
	return nil
}

func (s *fakeStore) CreateTasks(_ context.Context, tasks []models.EmailTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (models.EmailTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return t, models.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) CampaignStats(_ context.Context, id string) (models.StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := models.StatusCounts{}
	for _, t := range s.tasks {
		if t.CampaignID == id {
			out[t.Status]++
		}
	}
	return out, nil
}

func (s *fakeStore) SenderStats(context.Context, string) (models.SenderStats, error) {
	return models.SenderStats{}, nil
}

func (s *fakeStore) ListSenderTasks(context.Context, string, int) ([]models.EmailTask, error) {
	return nil, nil
}

func (s *fakeStore) ListUnfinished(_ context.Context) ([]models.EmailTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EmailTask
	for _, t := range s.tasks {
		if t.Status != models.StatusSent && !(t.Status == models.StatusFailed && t.Terminal) {
			out = append(out, t)
		}
	}
	return out, nil
}

type brokenQueue struct{ queue.Queue }

func (brokenQueue) Enqueue(context.Context, models.EmailTask, time.Duration) (bool, error) {
	return false, fmt.Errorf("%w: connection refused", models.ErrQueue)
}

var t0 = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newService(store Store, q queue.Queue) *Service {
	s := NewService(store, q, zap.NewNop(), 10)
	s.Now = func() time.Time { return t0 }
	n := 0
	s.NewID = func(prefix string) string {
		n++
		return fmt.Sprintf("%s_%03d", prefix, n)
	}
	return s
}

func TestScheduleTimelineAndEnqueue(t *testing.T) {
	store := newFakeStore()
	q := queue.NewMemory(queue.DefaultRetryPolicy(), func() time.Time { return t0 })
	s := newService(store, q)

	at := t0.Add(10 * time.Minute)
	res, err := s.Schedule(context.Background(), models.ScheduleRequest{
		SenderID:        "u1",
		Subject:         "Launch",
		Body:            "We are live",
		ScheduleAt:      &at,
		MinDelaySeconds: 30,
		Recipients:      []string{"a@example.com", "not-an-address", "c@example.com"},
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if res.TaskCount != 2 || len(res.Rejected) != 1 || res.Rejected[0].Index != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.CampaignID, "cmp_") {
		t.Fatalf("expected cmp_ id, got %s", res.CampaignID)
	}
	if len(store.campaigns) != 1 || store.campaigns[0].HourlyLimit != 10 {
		t.Fatalf("expected the default hourly limit applied, got %+v", store.campaigns)
	}

	want := map[string]time.Time{
		"a@example.com": t0.Add(10 * time.Minute),
		"c@example.com": t0.Add(10*time.Minute + 60*time.Second),
	}
	for _, task := range store.tasks {
		if !strings.HasPrefix(task.ID, "eml_") {
			t.Fatalf("expected eml_ id, got %s", task.ID)
		}
		if !task.DueAt.Equal(want[task.Recipient]) {
			t.Fatalf("%s: expected due %s, got %s", task.Recipient, want[task.Recipient], task.DueAt)
		}
		if task.Status != models.StatusPending {
			t.Fatalf("new tasks must be PENDING")
		}
	}

	if n, _ := q.Len(context.Background()); n != 2 {
		t.Fatalf("expected 2 queued entries, got %d", n)
	}
}

func TestScheduleRejectsInvalidConfig(t *testing.T) {
	store := newFakeStore()
	s := newService(store, queue.NewMemory(queue.DefaultRetryPolicy(), time.Now))

	_, err := s.Schedule(context.Background(), models.ScheduleRequest{
		SenderID:        "u1",
		Subject:         "x",
		MinDelaySeconds: -1,
		Recipients:      []string{"a@example.com"},
	})
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(store.campaigns) != 0 {
		t.Fatalf("nothing may be persisted for an invalid request")
	}
}

func TestScheduleWithNoValidRecipients(t *testing.T) {
	store := newFakeStore()
	s := newService(store, queue.NewMemory(queue.DefaultRetryPolicy(), time.Now))

	res, err := s.Schedule(context.Background(), models.ScheduleRequest{
		SenderID:   "u1",
		Subject:    "x",
		Recipients: []string{"", "nope"},
	})
	if !models.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(res.Rejected) != 2 {
		t.Fatalf("expected both rejections reported, got %+v", res.Rejected)
	}
}

func TestScheduleSurfacesStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.failWrite = fmt.Errorf("%w: timeout", models.ErrStoreUnavailable)
	q := queue.NewMemory(queue.DefaultRetryPolicy(), time.Now)
	s := newService(store, q)

	_, err := s.Schedule(context.Background(), models.ScheduleRequest{
		SenderID: "u1", Subject: "x", Recipients: []string{"a@example.com"},
	})
	if !errors.Is(err, models.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
	if n, _ := q.Len(context.Background()); n != 0 {
		t.Fatalf("nothing may be enqueued when persistence fails")
	}
}

func TestScheduleReportsEnqueueFailure(t *testing.T) {
	store := newFakeStore()
	s := newService(store, brokenQueue{})

	res, err := s.Schedule(context.Background(), models.ScheduleRequest{
		SenderID: "u1", Subject: "x", Recipients: []string{"a@example.com", "b@example.com"},
	})
	if !errors.Is(err, models.ErrQueue) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if res.CampaignID == "" || len(store.tasks) != 2 {
		t.Fatalf("tasks should stay persisted for a later resume")
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	store := newFakeStore()
	q := queue.NewMemory(queue.DefaultRetryPolicy(), func() time.Time { return t0 })
	s := newService(store, q)

	store.tasks["e1"] = models.EmailTask{ID: "e1", Status: models.StatusPending, DueAt: t0}
	store.tasks["e2"] = models.EmailTask{ID: "e2", Status: models.StatusThrottled, DueAt: t0}
	store.tasks["e3"] = models.EmailTask{ID: "e3", Status: models.StatusSent, DueAt: t0}
	store.tasks["e4"] = models.EmailTask{ID: "e4", Status: models.StatusFailed, Terminal: true, DueAt: t0}
	store.tasks["e5"] = models.EmailTask{ID: "e5", Status: models.StatusFailed, DueAt: t0}

	n, err := s.Resume(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("expected 3 resumed, got %d (%v)", n, err)
	}

	n, err = s.Resume(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second resume should queue nothing, got %d (%v)", n, err)
	}
	if l, _ := q.Len(context.Background()); l != 3 {
		t.Fatalf("expected 3 entries, got %d", l)
	}
}

func TestNewIDIsSortableAndUnique(t *testing.T) {
	a := NewID("eml")
	b := NewID("eml")
	if a == b {
		t.Fatalf("ids must be unique")
	}
	if !(a < b) {
		t.Fatalf("ids from one process should sort by creation: %s !< %s", a, b)
	}
}
