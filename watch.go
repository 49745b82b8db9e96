package main

import (
	"errors"
	"fmt"
	"math"

	"github.com/gdamore/tcell/v2"
	"github.com/kwv/kabschmesh/kabsch"
	"github.com/kwv/kabschmesh/mesh"
)

// nudgeStep is the world-space distance moved per key press
const nudgeStep = 0.1

const watchHelp = "[tab] rig  [1-9] point  arrows/w/s X,Z  [+/-] Y  [r] reset  [esc] quit"

// watchModel is the terminal dashboard state. Drawing and key handling are
// separate so both can be tested without a terminal.
type watchModel struct {
	tracker *mesh.StateTracker
	rigs    []string
	current int
	step    float64
	status  string
}

func newWatchModel(tracker *mesh.StateTracker) *watchModel {
	return &watchModel{
		tracker: tracker,
		rigs:    tracker.RigIDs(),
		step:    nudgeStep,
	}
}

func (m *watchModel) rigID() string {
	return m.rigs[m.current]
}

// handleKey applies one key press and reports whether to keep running
func (m *watchModel) handleKey(ev *tcell.EventKey) bool {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return false
	case tcell.KeyTab:
		m.current = (m.current + 1) % len(m.rigs)
		m.status = "rig " + m.rigID()
	case tcell.KeyBacktab:
		m.current = (m.current + len(m.rigs) - 1) % len(m.rigs)
		m.status = "rig " + m.rigID()
	case tcell.KeyLeft:
		m.nudge(kabsch.Point{X: -m.step})
	case tcell.KeyRight:
		m.nudge(kabsch.Point{X: m.step})
	case tcell.KeyUp:
		m.nudge(kabsch.Point{Z: m.step})
	case tcell.KeyDown:
		m.nudge(kabsch.Point{Z: -m.step})
	case tcell.KeyRune:
		r := ev.Rune()
		switch {
		case r >= '1' && r <= '9':
			m.selectTarget(int(r - '1'))
		case r == 'w':
			m.nudge(kabsch.Point{Z: m.step})
		case r == 's':
			m.nudge(kabsch.Point{Z: -m.step})
		case r == '+' || r == '=':
			m.nudge(kabsch.Point{Y: m.step})
		case r == '-' || r == '_':
			m.nudge(kabsch.Point{Y: -m.step})
		case r == 'r':
			if _, err := m.tracker.ResetTargets(m.rigID()); err != nil {
				m.status = err.Error()
			} else {
				m.status = "targets reset"
			}
		case r == 'q':
			return false
		}
	}
	return true
}

func (m *watchModel) selectTarget(index int) {
	if err := m.tracker.Select(m.rigID(), index); err != nil {
		m.status = err.Error()
		return
	}
	m.status = fmt.Sprintf("point %d selected", index+1)
}

func (m *watchModel) nudge(delta kabsch.Point) {
	snap, err := m.tracker.Snapshot(m.rigID())
	if err != nil {
		m.status = err.Error()
		return
	}
	if len(snap.Targets) == 0 {
		m.status = "no targets to move (press r to start from the reference)"
		return
	}
	snap, err = m.tracker.NudgeTarget(m.rigID(), snap.Selected, delta)
	if err != nil {
		m.status = err.Error()
		return
	}
	p := snap.Targets[snap.Selected]
	m.status = fmt.Sprintf("point %d -> (%.2f, %.2f, %.2f)", snap.Selected+1, p.X, p.Y, p.Z)
}

func (m *watchModel) draw(s tcell.Screen) {
	s.Clear()
	w, h := s.Size()

	title := tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
	dim := tcell.StyleDefault.Foreground(tcell.ColorDarkGray)
	plain := tcell.StyleDefault
	warn := tcell.StyleDefault.Foreground(tcell.ColorRed)
	selected := tcell.StyleDefault.Foreground(tcell.ColorAqua).Bold(true)

	snap, err := m.tracker.Snapshot(m.rigID())
	if err != nil {
		drawText(s, 1, 1, warn, err.Error())
		s.Show()
		return
	}
	res := snap.Result

	drawText(s, 1, 0, title, fmt.Sprintf("kabschmesh  rig %s (%d/%d)", snap.RigID, m.current+1, len(m.rigs)))
	drawText(s, 1, 1, dim, watchHelp)

	if res.IsFallback() {
		drawText(s, 1, 3, warn, "fallback: "+res.Reason)
	} else {
		axis, angle := res.Rotation.AxisAngle()
		drawText(s, 1, 3, plain, fmt.Sprintf("scale %.4f   angle %.2f deg about (%.2f, %.2f, %.2f)",
			res.Scale, angle*180/math.Pi, axis.X, axis.Y, axis.Z))
		drawText(s, 1, 4, plain, fmt.Sprintf("translation (%.3f, %.3f, %.3f)",
			res.Translation.X, res.Translation.Y, res.Translation.Z))
		drawText(s, 1, 5, plain, fmt.Sprintf("%s: %d steps, converged=%t, rmsd %.4g",
			res.Method, res.Steps, res.Converged, res.Residual))
		if res.IsDegraded() {
			drawText(s, 1, 6, warn, "degraded: "+res.Reason)
		}
	}

	drawText(s, 1, 7, dim, fmt.Sprintf("  #  %-26s %-26s %s", "target", "computed", "error"))
	for i, t := range snap.Targets {
		row := 8 + i
		if row >= h-2 {
			break
		}
		line := fmt.Sprintf("  %d  %-26s", i+1, formatPoint(t))
		if i < len(snap.Computed) {
			c := snap.Computed[i]
			line += fmt.Sprintf(" %-26s %.4f", formatPoint(c), kabsch.Distance(c, t))
		}
		style := plain
		if i == snap.Selected {
			line = ">" + line[1:]
			style = selected
		}
		drawText(s, 1, row, style, line)
	}

	if m.status != "" && h > 0 {
		drawText(s, 1, h-1, dim, truncate(m.status, w-2))
	}
	s.Show()
}

// runWatch draws the dashboard and handles keys until the user quits.
// Tracker updates from other sources trigger a redraw.
func runWatch(s tcell.Screen, tracker *mesh.StateTracker) error {
	m := newWatchModel(tracker)
	if len(m.rigs) == 0 {
		return errors.New("no rigs to watch")
	}
	tracker.OnUpdate(func(mesh.RigSnapshot) {
		_ = s.PostEvent(tcell.NewEventInterrupt(nil))
	})

	for {
		m.draw(s)
		switch ev := s.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventKey:
			if !m.handleKey(ev) {
				return nil
			}
		case *tcell.EventResize:
			s.Sync()
		}
	}
}

func formatPoint(p kabsch.Point) string {
	return fmt.Sprintf("(%.3f, %.3f, %.3f)", p.X, p.Y, p.Z)
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) > n {
		return s[:n]
	}
	return s
}

func drawText(s tcell.Screen, x, y int, style tcell.Style, str string) {
	col := x
	for _, r := range str {
		s.SetContent(col, y, r, nil, style)
		col++
	}
}
