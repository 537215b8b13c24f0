package serve

import (
	"io"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"

	"llamadeploy/backend/util/taskmanager"
)

const renderInterval = 250 * time.Millisecond

// renderProgress wires a task manager into a terminal progress display.
// The returned stop function flushes and stops the renderer.
func renderProgress(w io.Writer) (*taskmanager.TaskManager, func()) {
	pw := progress.NewWriter()
	pw.SetOutputWriter(w)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(30)
	pw.SetUpdateFrequency(renderInterval)
	pw.Style().Visibility.ETA = true
	pw.Style().Visibility.Speed = true

	bridge := &progressBridge{
		pw:       pw,
		trackers: make(map[string]*progress.Tracker),
	}

	tm := taskmanager.New()
	tm.SetNotify(bridge.notify)

	go pw.Render()

	return tm, func() {
		// Let the renderer paint the final state before tearing down.
		time.Sleep(2 * renderInterval)
		pw.Stop()
	}
}

// progressBridge maps task snapshots onto go-pretty progress trackers.
type progressBridge struct {
	mu       sync.Mutex
	pw       progress.Writer
	trackers map[string]*progress.Tracker
}

func (b *progressBridge) notify(task taskmanager.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tracker, ok := b.trackers[task.ID]
	if !ok {
		tracker = &progress.Tracker{
			Message: task.Description,
			Total:   task.Total,
			Units:   progress.UnitsBytes,
		}
		b.trackers[task.ID] = tracker
		b.pw.AppendTracker(tracker)
	}

	tracker.UpdateTotal(task.Total)
	tracker.SetValue(task.Completed)
	if task.Done {
		tracker.MarkAsDone()
	}
}
