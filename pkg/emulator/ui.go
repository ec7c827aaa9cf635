package emulator

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// Button is a physical button, or both pressed together
type Button int

const (
	ButtonLeft Button = iota
	ButtonRight
	ButtonBoth
)

func (b Button) String() string {
	switch b {
	case ButtonLeft:
		return "left"
	case ButtonRight:
		return "right"
	case ButtonBoth:
		return "both"
	}
	return "unknown"
}

var ErrClosed = errors.New("emulator: device closed")

// Screen is what the display currently shows, one entry per line
type Screen struct {
	Lines []string
}

func screen(lines ...string) Screen {
	return Screen{Lines: lines}
}

// Text is the plain text form of the screen, one line per row
func (s Screen) Text() string {
	if len(s.Lines) == 0 {
		return ""
	}
	return strings.Join(s.Lines, "\n") + "\n"
}

func (s Screen) String() string {
	return strings.Join(s.Lines, " / ")
}

// Equal reports whether both screens show the same lines
func (s Screen) Equal(o Screen) bool {
	if len(s.Lines) != len(o.Lines) {
		return false
	}
	for i := range s.Lines {
		if s.Lines[i] != o.Lines[i] {
			return false
		}
	}
	return true
}

// step is a screen of a flow. A non nil action runs when both buttons are
// pressed on it, after which the display goes back home.
type step struct {
	screen Screen
	action func()
}

type pressEvent struct {
	button Button
	done   chan struct{}
}

type showEvent struct {
	steps []step
}

type stateEvent struct {
	reply chan uiState
}

type uiState struct {
	screen  Screen
	home    bool
	changed <-chan struct{}
}

// ui owns the displayed flow. All state is only touched by loop.
type ui struct {
	events chan interface{}
	quit   chan struct{}
	done   chan struct{}
	logger log.Logger

	home    []step
	current []step
	index   int
	changed chan struct{}
}

func newUI(home []step, logger log.Logger) *ui {
	u := &ui{
		events:  make(chan interface{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
		home:    home,
		current: home,
		changed: make(chan struct{}),
	}
	go u.loop()
	return u
}

func (u *ui) loop() {
	defer close(u.done)
	for {
		select {
		case ev := <-u.events:
			switch ev := ev.(type) {
			case pressEvent:
				u.press(ev.button)
				close(ev.done)
			case showEvent:
				u.current, u.index = ev.steps, 0
				u.notify()
			case stateEvent:
				ev.reply <- uiState{
					screen:  u.current[u.index].screen,
					home:    isSameFlow(u.current, u.home),
					changed: u.changed,
				}
			}
		case <-u.quit:
			return
		}
	}
}

func isSameFlow(a, b []step) bool {
	return len(a) == len(b) && len(a) > 0 && &a[0] == &b[0]
}

func (u *ui) press(b Button) {
	before := u.index
	switch b {
	case ButtonLeft:
		if u.index > 0 {
			u.index--
		}
	case ButtonRight:
		if u.index < len(u.current)-1 {
			u.index++
		}
	case ButtonBoth:
		if act := u.current[u.index].action; act != nil {
			act()
			u.current, u.index = u.home, 0
			u.notify()
			return
		}
	}
	u.logger.Trace("Button pressed", "button", b, "screen", u.current[u.index].screen)
	if u.index != before {
		u.notify()
	}
}

func (u *ui) notify() {
	close(u.changed)
	u.changed = make(chan struct{})
}

func (u *ui) send(ctx context.Context, ev interface{}) error {
	select {
	case u.events <- ev:
		return nil
	case <-u.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Press presses a button and returns once the display has been updated
func (u *ui) Press(ctx context.Context, b Button) error {
	done := make(chan struct{})
	if err := u.send(ctx, pressEvent{button: b, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-u.quit:
		return ErrClosed
	}
}

func (u *ui) state(ctx context.Context) (uiState, error) {
	reply := make(chan uiState, 1)
	if err := u.send(ctx, stateEvent{reply: reply}); err != nil {
		return uiState{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-u.quit:
		return uiState{}, ErrClosed
	}
}

// confirm shows screens followed by an approve and a reject step and blocks
// until the user picks one
func (u *ui) confirm(ctx context.Context, screens []Screen, approve, reject Screen) (bool, error) {
	result := make(chan bool, 1)
	steps := make([]step, 0, len(screens)+2)
	for _, s := range screens {
		steps = append(steps, step{screen: s})
	}
	steps = append(steps,
		step{screen: approve, action: func() { result <- true }},
		step{screen: reject, action: func() { result <- false }},
	)
	if err := u.send(ctx, showEvent{steps: steps}); err != nil {
		return false, err
	}
	select {
	case ok := <-result:
		return ok, nil
	case <-u.quit:
		return false, ErrClosed
	case <-ctx.Done():
		// put the home screen back
		if err := u.send(context.Background(), showEvent{steps: u.home}); err != nil {
			u.logger.Debug("Unable to restore home screen", "err", err)
		}
		return false, ctx.Err()
	}
}

// waitScreen blocks until cond holds for the displayed screen
func (u *ui) waitScreen(ctx context.Context, cond func(s Screen, home bool) bool) (Screen, error) {
	for {
		st, err := u.state(ctx)
		if err != nil {
			return Screen{}, err
		}
		if cond(st.screen, st.home) {
			return st.screen, nil
		}
		select {
		case <-st.changed:
		case <-u.quit:
			return Screen{}, ErrClosed
		case <-ctx.Done():
			return Screen{}, ctx.Err()
		}
	}
}

func (u *ui) close() {
	select {
	case <-u.quit:
	default:
		close(u.quit)
	}
	<-u.done
}
