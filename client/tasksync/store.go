// Package tasksync keeps the client's copy of the task collection in step
// with the board API and its live update feed.
package tasksync

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/client/feed"
	"github.com/aryabyte21/taskboard/domain"
)

// Remote is the subset of the task API the store needs.
type Remote interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// Snapshot is a point in time copy of the store state.
type Snapshot struct {
	Tasks   []domain.Task
	Loading bool
	Err     string
}

// Store holds the authoritative local collection.
type Store struct {
	remote Remote
	logger *log.Logger

	// seq serializes mutate+notify so observers see changes in arrival order.
	seq sync.Mutex
	mu  sync.Mutex

	tasks   []domain.Task
	loading bool
	errMsg  string

	observers feed.Observers[Snapshot]
}

func New(remote Remote, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{remote: remote, logger: logger, tasks: []domain.Task{}}
}

// OnChange registers fn for every subsequent change.
func (s *Store) OnChange(fn func(Snapshot)) (dispose func()) {
	return s.observers.Register(fn)
}

// Bind applies every event delivered by src until the returned disposer runs.
func (s *Store) Bind(src feed.Source) (dispose func()) {
	return src.Subscribe(s.Apply)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Tasks returns a copy of the collection.
func (s *Store) Tasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...)
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Tasks:   append([]domain.Task(nil), s.tasks...),
		Loading: s.loading,
		Err:     s.errMsg,
	}
}

// update runs fn under the state lock and notifies observers if it reports a change.
func (s *Store) update(fn func() bool) {
	s.seq.Lock()
	defer s.seq.Unlock()

	s.mu.Lock()
	changed := fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.observers.Notify(snap)
	}
}

// Apply merges one live update into the collection. Applying the same event
// twice leaves the collection as after the first.
func (s *Store) Apply(ev domain.Event) {
	s.update(func() bool {
		switch ev.Action {
		case domain.ActionCreate:
			if i := s.indexLocked(ev.Task.ID); i >= 0 {
				s.tasks[i] = ev.Task
				return true
			}
			s.tasks = append([]domain.Task{ev.Task}, s.tasks...)
			return true
		case domain.ActionUpdate:
			if i := s.indexLocked(ev.Task.ID); i >= 0 {
				s.tasks[i] = ev.Task
				return true
			}
		case domain.ActionDestroy:
			if i := s.indexLocked(ev.ID); i >= 0 {
				s.tasks = append(s.tasks[:i:i], s.tasks[i+1:]...)
				return true
			}
		default:
			s.logger.WithField("action", ev.Action).Warn("ignoring live update with unknown action")
		}
		return false
	})
}

func (s *Store) indexLocked(id string) int {
	for i, t := range s.tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// LoadAll replaces the collection with the remote one. On failure the
// previous collection stays and the error message is set.
func (s *Store) LoadAll(ctx context.Context) error {
	s.update(func() bool {
		s.loading = true
		return true
	})

	tasks, err := s.remote.ListTasks(ctx)

	s.update(func() bool {
		s.loading = false
		if err != nil {
			s.errMsg = errorMessage(err)
			return true
		}
		s.tasks = append([]domain.Task{}, tasks...)
		s.errMsg = ""
		return true
	})
	if err != nil {
		s.logger.WithError(err).Error("fetch tasks failed")
	}
	return err
}

func (s *Store) Create(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	t, err := s.remote.CreateTask(ctx, in)
	if err != nil {
		s.fail(err)
		return domain.Task{}, err
	}
	s.Apply(domain.CreateEvent(t))
	return t, nil
}

func (s *Store) Update(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error) {
	t, err := s.remote.UpdateTask(ctx, id, in)
	if err != nil {
		s.fail(err)
		return domain.Task{}, err
	}
	s.Apply(domain.UpdateEvent(t))
	return t, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.remote.DeleteTask(ctx, id); err != nil {
		s.fail(err)
		return err
	}
	s.Apply(domain.DestroyEvent(id))
	return nil
}

// fail records err unless it is a validation failure, which belongs to the caller's form.
func (s *Store) fail(err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return
	}
	s.logger.WithError(err).Warn("task mutation failed")
	s.update(func() bool {
		s.errMsg = errorMessage(err)
		return true
	})
}

func errorMessage(err error) string {
	if errors.Is(err, domain.ErrNotFound) {
		return "Task not found"
	}
	return err.Error()
}
