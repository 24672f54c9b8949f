// Package board derives the per-status columns shown to the user and runs
// optimistic drag and drop moves against the task API.
package board

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/aryabyte21/taskboard/client/tasksync"
	"github.com/aryabyte21/taskboard/domain"
)

// ErrDragInProgress is returned by DragStart while another card is held.
var ErrDragInProgress = errors.New("drag already in progress")

// Source provides the authoritative collection.
type Source interface {
	Tasks() []domain.Task
	OnChange(fn func(tasksync.Snapshot)) (dispose func())
}

// Updater persists a status change and folds the result back into the Source.
type Updater interface {
	Update(ctx context.Context, id string, in domain.TaskInput) (domain.Task, error)
}

// Phase reports what the engine is waiting on.
type Phase int

const (
	Idle Phase = iota
	Dragging
	Committing
)

func (p Phase) String() string {
	switch p {
	case Dragging:
		return "dragging"
	case Committing:
		return "committing"
	}
	return "idle"
}

// Position addresses a slot in a column.
type Position struct {
	Column domain.Status
	Index  int
}

// DropResult describes a finished gesture. A nil Destination means the card
// was released outside any column.
type DropResult struct {
	TaskID      string
	Source      Position
	Destination *Position
}

// Columns maps each status to its ordered tasks.
type Columns map[domain.Status][]domain.Task

// BuildColumns partitions tasks by status, keeping their relative order.
func BuildColumns(tasks []domain.Task) Columns {
	cols := make(Columns, len(domain.Statuses))
	for _, s := range domain.Statuses {
		cols[s] = []domain.Task{}
	}
	for _, t := range tasks {
		if _, ok := cols[t.Status]; !ok {
			continue
		}
		cols[t.Status] = append(cols[t.Status], t)
	}
	return cols
}

// Find returns the position of id.
func (c Columns) Find(id string) (Position, bool) {
	for _, s := range domain.Statuses {
		for i, t := range c[s] {
			if t.ID == id {
				return Position{Column: s, Index: i}, true
			}
		}
	}
	return Position{}, false
}

// Len counts the tasks over all columns.
func (c Columns) Len() int {
	n := 0
	for _, ts := range c {
		n += len(ts)
	}
	return n
}

func (c Columns) clone() Columns {
	out := make(Columns, len(c))
	for s, ts := range c {
		out[s] = append([]domain.Task{}, ts...)
	}
	return out
}

// Engine owns the visible columns. While a card is held or a move is in
// flight, authoritative changes are remembered and applied once it settles.
type Engine struct {
	src     Source
	updater Updater
	logger  *log.Logger
	dispose func()

	mu       sync.Mutex
	columns  Columns
	dragging bool
	active   string
	pending  int
	dirty    bool
}

// New builds the columns from src and follows its changes until Close.
func New(src Source, updater Updater, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := &Engine{
		src:     src,
		updater: updater,
		logger:  logger,
		columns: BuildColumns(src.Tasks()),
	}
	e.dispose = src.OnChange(e.onChange)
	return e
}

// Close stops following the source.
func (e *Engine) Close() {
	e.dispose()
}

func (e *Engine) onChange(tasksync.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirty = true
	e.settleLocked()
}

// settleLocked rebuilds the view from the source when nothing is held or in flight.
func (e *Engine) settleLocked() {
	if e.dragging || e.pending > 0 || !e.dirty {
		return
	}
	e.columns = BuildColumns(e.src.Tasks())
	e.dirty = false
}

// Columns returns a copy of the visible board.
func (e *Engine) Columns() Columns {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.columns.clone()
}

// Phase returns Dragging while a card is held, Committing while any move is
// unresolved, and Idle otherwise.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.dragging:
		return Dragging
	case e.pending > 0:
		return Committing
	}
	return Idle
}

// ActiveTask returns the held card, if any.
func (e *Engine) ActiveTask() (domain.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dragging {
		return domain.Task{}, false
	}
	if pos, ok := e.columns.Find(e.active); ok {
		return e.columns[pos.Column][pos.Index], true
	}
	return domain.Task{}, false
}

// DragStart picks up the card id.
func (e *Engine) DragStart(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dragging {
		return ErrDragInProgress
	}
	if _, ok := e.columns.Find(id); !ok {
		return domain.ErrNotFound
	}
	e.dragging = true
	e.active = id
	return nil
}

// Drop ends the gesture and applies the move to the view. It returns nil when
// no remote call is needed; otherwise the caller must Resolve the commit.
func (e *Engine) Drop(res DropResult) *Commit {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = false
	e.active = ""

	if res.Destination == nil {
		e.dirty = true
		e.settleLocked()
		return nil
	}
	dst := *res.Destination
	if dst.Column == res.Source.Column && dst.Index == res.Source.Index {
		e.settleLocked()
		return nil
	}

	from := e.columns[res.Source.Column]
	_, dstKnown := e.columns[dst.Column]
	if !dstKnown || res.Source.Index < 0 || res.Source.Index >= len(from) || from[res.Source.Index].ID != res.TaskID {
		e.logger.WithFields(log.Fields{
			"task_id": res.TaskID,
			"column":  res.Source.Column,
			"index":   res.Source.Index,
		}).Warn("stale drop, restoring board")
		e.dirty = true
		e.settleLocked()
		return nil
	}

	t := from[res.Source.Index]
	e.columns[res.Source.Column] = append(from[:res.Source.Index:res.Source.Index], from[res.Source.Index+1:]...)
	t.Status = dst.Column

	to := e.columns[dst.Column]
	idx := min(max(dst.Index, 0), len(to))
	spliced := make([]domain.Task, 0, len(to)+1)
	spliced = append(spliced, to[:idx]...)
	spliced = append(spliced, t)
	spliced = append(spliced, to[idx:]...)
	e.columns[dst.Column] = spliced

	e.pending++
	return &Commit{engine: e, taskID: t.ID, status: dst.Column}
}

// DragEnd drops and resolves in one call.
func (e *Engine) DragEnd(ctx context.Context, res DropResult) error {
	c := e.Drop(res)
	if c == nil {
		return nil
	}
	return c.Resolve(ctx)
}

// Commit is an optimistic move waiting for the server.
type Commit struct {
	engine *Engine
	taskID string
	status domain.Status

	once sync.Once
	err  error
}

func (c *Commit) TaskID() string { return c.taskID }

func (c *Commit) Status() domain.Status { return c.status }

// Resolve sends the status change. On failure the view is rebuilt from the
// authoritative collection and the error is returned. Calling it again
// returns the first result.
func (c *Commit) Resolve(ctx context.Context) error {
	c.once.Do(func() {
		e := c.engine
		_, err := e.updater.Update(ctx, c.taskID, domain.StatusInput(c.status))

		e.mu.Lock()
		defer e.mu.Unlock()
		e.pending--
		if err != nil {
			e.logger.WithError(err).WithFields(log.Fields{
				"task_id": c.taskID,
				"status":  c.status,
			}).Error("move failed, reverting board")
			e.dirty = true
		}
		e.settleLocked()
		c.err = err
	})
	return c.err
}
