package reactor

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fileEvent struct {
	mask  Events
	rproc FileProc
	wproc FileProc
}

type timeEvent struct {
	id   int64
	when time.Time
	proc TimeProc
}

type readyEvent struct {
	p  Pollable
	ev Events
}

// Loop is the event loop. Register, Unregister, AddTimer and DelTimer must
// be called from loop callbacks, or before Run starts. Do, Call and Stop are
// safe from any goroutine.
type Loop struct {
	events map[Pollable]*fileEvent
	ready  []readyEvent

	timers      map[int64]*timeEvent
	nextTimerID int64

	taskMu sync.Mutex
	tasks  []func()

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// NewLoop creates an idle loop.
func NewLoop() *Loop {
	return &Loop{
		events: make(map[Pollable]*fileEvent),
		timers: make(map[int64]*timeEvent),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (l *Loop) wake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// Register adds interest in events for p, with proc as the callback for
// each of them. Registering again replaces the callback for the given events
// and keeps any other registered event.
func (l *Loop) Register(p Pollable, events Events, proc FileProc) {
	fe, ok := l.events[p]
	if !ok {
		fe = &fileEvent{}
		l.events[p] = fe
		p.SetNotify(l.wake)
	}
	if events&Readable != 0 {
		fe.rproc = proc
	}
	if events&Writable != 0 {
		fe.wproc = proc
	}
	fe.mask |= events & (Readable | Writable)
	l.wake()
}

// Unregister removes interest in events for p. Once no event is left, p is
// forgotten and none of its pending readiness is delivered.
func (l *Loop) Unregister(p Pollable, events Events) {
	fe, ok := l.events[p]
	if !ok {
		return
	}
	fe.mask &^= events
	if events&Readable != 0 {
		fe.rproc = nil
	}
	if events&Writable != 0 {
		fe.wproc = nil
	}
	if fe.mask == None {
		delete(l.events, p)
		p.SetNotify(nil)
	}
}

// Registered returns the events currently registered for p.
func (l *Loop) Registered(p Pollable) Events {
	if fe, ok := l.events[p]; ok {
		return fe.mask
	}
	return None
}

// Handles returns the number of registered handles.
func (l *Loop) Handles() int {
	return len(l.events)
}

// AddTimer schedules proc to run after the given delay and returns its id.
func (l *Loop) AddTimer(after time.Duration, proc TimeProc) int64 {
	l.nextTimerID++
	id := l.nextTimerID
	l.timers[id] = &timeEvent{id: id, when: time.Now().Add(after), proc: proc}
	l.wake()
	return id
}

// DelTimer cancels a timer. Unknown ids are ignored.
func (l *Loop) DelTimer(id int64) {
	delete(l.timers, id)
}

// Do posts fn to run on the loop goroutine. Tasks posted after Run returned
// never run.
func (l *Loop) Do(fn func()) {
	l.taskMu.Lock()
	l.tasks = append(l.tasks, fn)
	l.taskMu.Unlock()
	l.wake()
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.doneCh:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop makes Run return after the current iteration.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Run processes events until ctx is done or Stop is called. It must be
// called at most once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.doneCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		default:
		}

		busy := l.runTasks()
		if l.dispatch() {
			busy = true
		}
		if l.runTimers(time.Now()) {
			busy = true
		}
		if busy {
			continue
		}

		var timerC <-chan time.Time
		var t *time.Timer
		if when, ok := l.nextDeadline(); ok {
			t = time.NewTimer(time.Until(when))
			timerC = t.C
		}

		select {
		case <-l.wakeCh:
		case <-timerC:
		case <-ctx.Done():
		case <-l.stopCh:
		}
		if t != nil {
			t.Stop()
		}
	}
}

func (l *Loop) runTasks() bool {
	l.taskMu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.taskMu.Unlock()

	for _, fn := range tasks {
		fn()
	}
	return len(tasks) > 0
}

// dispatch delivers every readiness observed at the start of the call. Each
// delivery re-checks the registration, so a callback that unregisters or
// closes another handle prevents that handle's pending events.
func (l *Loop) dispatch() bool {
	ready := l.ready[:0]
	for p, fe := range l.events {
		if ev := p.Ready() & fe.mask; ev != None {
			ready = append(ready, readyEvent{p: p, ev: ev})
		}
	}

	for _, r := range ready {
		if r.ev&Readable != 0 {
			if fe, ok := l.events[r.p]; ok && fe.mask&Readable != 0 {
				fe.rproc(Readable)
			}
		}
		if r.ev&Writable != 0 {
			if fe, ok := l.events[r.p]; ok && fe.mask&Writable != 0 {
				fe.wproc(Writable)
			}
		}
	}

	fired := len(ready) > 0
	clear(ready)
	l.ready = ready[:0]
	return fired
}

func (l *Loop) runTimers(now time.Time) bool {
	var due []*timeEvent
	for _, te := range l.timers {
		if !te.when.After(now) {
			due = append(due, te)
		}
	}
	if len(due) == 0 {
		return false
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })

	for _, te := range due {
		if _, ok := l.timers[te.id]; !ok {
			continue
		}
		next := te.proc(te.id)
		if _, ok := l.timers[te.id]; !ok {
			// The callback deleted its own timer.
			continue
		}
		if next < 0 {
			delete(l.timers, te.id)
			continue
		}
		te.when = now.Add(next)
	}
	return true
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, te := range l.timers {
		if !found || te.when.Before(earliest) {
			earliest = te.when
			found = true
		}
	}
	return earliest, found
}
