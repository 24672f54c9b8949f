// Package boardui renders the board in the terminal and turns key presses
// into drag and drop gestures.
package boardui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aryabyte21/taskboard/client/board"
	"github.com/aryabyte21/taskboard/client/tasksync"
	"github.com/aryabyte21/taskboard/domain"
)

const columnWidth = 30

// Run starts the board UI and blocks until the user quits or ctx is done.
func Run(ctx context.Context, store *tasksync.Store, engine *board.Engine) error {
	if !IsTTY(os.Stdout) {
		return fmt.Errorf("board requires a TTY")
	}
	model := NewModel(ctx, store, engine)
	defer model.Close()
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Model is the bubbletea model of the board.
type Model struct {
	ctx     context.Context
	store   *tasksync.Store
	engine  *board.Engine
	changes chan struct{}
	dispose func()

	col, row int

	holding bool
	source  board.Position
	target  board.Position

	status string
}

type changedMsg struct{}

type loadedMsg struct{ err error }

type movedMsg struct {
	taskID string
	err    error
}

type deletedMsg struct {
	taskID string
	err    error
}

func NewModel(ctx context.Context, store *tasksync.Store, engine *board.Engine) *Model {
	m := &Model{
		ctx:     ctx,
		store:   store,
		engine:  engine,
		changes: make(chan struct{}, 1),
	}
	m.dispose = store.OnChange(func(tasksync.Snapshot) {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	})
	return m
}

// Close detaches the model from the store.
func (m *Model) Close() { m.dispose() }

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(), waitForChange(m.changes))
}

func waitForChange(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-ch
		return changedMsg{}
	}
}

func (m *Model) loadCmd() tea.Cmd {
	return func() tea.Msg {
		return loadedMsg{err: m.store.LoadAll(m.ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m, m.handleKey(msg)
	case changedMsg:
		m.clampCursor()
		return m, waitForChange(m.changes)
	case loadedMsg:
		if msg.err == nil {
			m.status = ""
		}
		m.clampCursor()
	case movedMsg:
		if msg.err != nil {
			m.status = "Move failed: " + msg.err.Error()
		} else {
			m.status = ""
		}
		m.clampCursor()
	case deletedMsg:
		if msg.err != nil {
			m.status = "Delete failed: " + msg.err.Error()
		}
		m.clampCursor()
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeySpace {
		m.pickUp()
		return nil
	}
	switch msg.String() {
	case "ctrl+c", "q":
		if m.holding {
			m.cancel()
		}
		return tea.Quit
	case "left", "h":
		m.moveColumn(-1)
	case "right", "l":
		m.moveColumn(1)
	case "up", "k":
		m.moveRow(-1)
	case "down", "j":
		m.moveRow(1)
	case "enter":
		return m.drop()
	case "esc":
		m.cancel()
	case "d":
		if m.holding {
			return nil
		}
		if t, ok := m.selected(); ok {
			return m.deleteCmd(t.ID)
		}
	case "r":
		return m.loadCmd()
	}
	return nil
}

func (m *Model) pickUp() {
	if m.holding {
		return
	}
	t, ok := m.selected()
	if !ok {
		return
	}
	if err := m.engine.DragStart(t.ID); err != nil {
		m.status = err.Error()
		return
	}
	m.holding = true
	m.source = board.Position{Column: domain.Statuses[m.col], Index: m.row}
	m.target = m.source
}

func (m *Model) drop() tea.Cmd {
	if !m.holding {
		return nil
	}
	t, _ := m.engine.ActiveTask()
	dest := m.target
	commit := m.engine.Drop(board.DropResult{TaskID: t.ID, Source: m.source, Destination: &dest})
	m.holding = false
	m.col = statusIndex(dest.Column)
	m.row = dest.Index
	m.clampCursor()
	if commit == nil {
		return nil
	}
	m.status = "Moving " + t.Title + "..."
	ctx := m.ctx
	return func() tea.Msg {
		return movedMsg{taskID: commit.TaskID(), err: commit.Resolve(ctx)}
	}
}

func (m *Model) cancel() {
	if !m.holding {
		return
	}
	t, _ := m.engine.ActiveTask()
	m.engine.Drop(board.DropResult{TaskID: t.ID, Source: m.source})
	m.holding = false
	m.clampCursor()
}

func (m *Model) deleteCmd(id string) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return deletedMsg{taskID: id, err: m.store.Delete(ctx, id)}
	}
}

func (m *Model) moveColumn(delta int) {
	if m.holding {
		col := clamp(statusIndex(m.target.Column)+delta, 0, len(domain.Statuses)-1)
		m.target.Column = domain.Statuses[col]
		m.target.Index = clamp(m.target.Index, 0, m.targetLimit())
		return
	}
	m.col = clamp(m.col+delta, 0, len(domain.Statuses)-1)
	m.clampCursor()
}

func (m *Model) moveRow(delta int) {
	if m.holding {
		m.target.Index = clamp(m.target.Index+delta, 0, m.targetLimit())
		return
	}
	m.row += delta
	m.clampCursor()
}

// targetLimit is the last valid drop index in the target column.
func (m *Model) targetLimit() int {
	n := len(m.engine.Columns()[m.target.Column])
	if m.target.Column == m.source.Column {
		return n - 1
	}
	return n
}

func (m *Model) clampCursor() {
	n := len(m.engine.Columns()[domain.Statuses[m.col]])
	m.row = clamp(m.row, 0, max(n-1, 0))
}

func (m *Model) selected() (domain.Task, bool) {
	tasks := m.engine.Columns()[domain.Statuses[m.col]]
	if m.row < 0 || m.row >= len(tasks) {
		return domain.Task{}, false
	}
	return tasks[m.row], true
}

func (m *Model) View() string {
	var b strings.Builder
	title := "Task Board"
	b.WriteString(title + "\n")
	b.WriteString(strings.Repeat("=", len(title)) + "\n\n")

	snap := m.store.Snapshot()
	if snap.Loading && len(snap.Tasks) == 0 {
		b.WriteString("Loading...\n\n")
	}
	if snap.Err != "" {
		b.WriteString("Error: " + snap.Err + "\n\n")
	}

	cols := m.engine.Columns()
	rendered := make([][]string, len(domain.Statuses))
	height := 0
	for i, s := range domain.Statuses {
		rendered[i] = m.renderColumn(i, s, cols[s])
		height = max(height, len(rendered[i]))
	}
	for line := 0; line < height; line++ {
		for i := range rendered {
			cell := ""
			if line < len(rendered[i]) {
				cell = rendered[i][line]
			}
			b.WriteString(pad(cell, columnWidth))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(m.status + "\n")
	}
	if m.holding {
		b.WriteString("arrows: choose slot  enter: drop  esc: cancel\n")
	} else {
		b.WriteString("arrows/hjkl: move  space: pick up  d: delete  r: refresh  q: quit\n")
	}
	return b.String()
}

func (m *Model) renderColumn(idx int, status domain.Status, tasks []domain.Task) []string {
	lines := []string{
		fmt.Sprintf("%s (%d)", status.Title(), len(tasks)),
		strings.Repeat("-", columnWidth-2),
	}
	held, _ := m.engine.ActiveTask()
	slot := -1
	if m.holding && m.target.Column == status {
		slot = m.target.Index
	}
	for i, t := range tasks {
		if i == slot {
			lines = append(lines, "  >> "+held.Title)
		}
		prefix := "  "
		switch {
		case m.holding && t.ID == held.ID:
			prefix = "~ "
		case !m.holding && idx == m.col && i == m.row:
			prefix = "> "
		}
		lines = append(lines, prefix+t.Title)
	}
	if slot >= len(tasks) {
		lines = append(lines, "  >> "+held.Title)
	}
	return lines
}

func statusIndex(s domain.Status) int {
	for i, st := range domain.Statuses {
		if st == s {
			return i
		}
	}
	return 0
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func pad(s string, width int) string {
	r := []rune(s)
	if len(r) >= width {
		return string(r[:width-1]) + " "
	}
	return s + strings.Repeat(" ", width-len(r))
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
