package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/provider"
)

type fakePairer struct {
	mu     sync.Mutex
	n      int
	err    error
	logout int
}

func (p *fakePairer) RequestPairingCode(ctx context.Context, accountID string) (*provider.Pairing, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.n++
	code := fmt.Sprintf("CODE-%d", p.n)
	return &provider.Pairing{Code: code, QR: "qr:" + code}, nil
}

func (p *fakePairer) Logout(ctx context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logout++
	return nil
}

// manualTimers records scheduled callbacks and fires them on demand
type manualTimers struct {
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (m *manualTimers) Now() time.Time { return m.now }

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	t := &manualTimer{at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock and runs every timer that became due
func (m *manualTimers) Advance(d time.Duration) {
	m.now = m.now.Add(d)
	for _, t := range m.timers {
		if !t.stopped && !t.fired && !t.at.After(m.now) {
			t.fired = true
			t.f()
		}
	}
}

func newTestManager(t *testing.T, pairer provider.Pairer) (*Manager, *manualTimers) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager("acc", pairer, Config{}, logger)
	clock := &manualTimers{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.SetClock(clock.Now, clock.AfterFunc)
	return m, clock
}

func TestPairingTimeout(t *testing.T) {
	pairer := &fakePairer{}
	m, clock := newTestManager(t, pairer)
	ctx := context.Background()

	st, err := m.Start(ctx)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if st.Status != StatusPairing || st.QR != "qr:CODE-1" {
		t.Fatalf("Start() state = %+v", st)
	}
	if want := clock.now.Add(120 * time.Second); !st.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", st.ExpiresAt, want)
	}

	clock.Advance(119 * time.Second)
	if got := m.Status().Status; got != StatusPairing {
		t.Fatalf("status before deadline = %v, want pairing", got)
	}

	clock.Advance(time.Second)
	st = m.Status()
	if st.Status != StatusTimeout {
		t.Fatalf("status at deadline = %v, want timeout", st.Status)
	}
	if st.QR != "" {
		t.Errorf("QR = %q after timeout", st.QR)
	}

	// no new code is issued on its own
	clock.Advance(10 * time.Minute)
	if pairer.n != 1 {
		t.Errorf("pairing codes requested = %d, want 1", pairer.n)
	}
	if got := m.Status().Status; got != StatusTimeout {
		t.Errorf("status = %v, want timeout", got)
	}

	// a late scan of the expired code is rejected
	if err := m.HandlePaired("CODE-1", "+15550001"); !errors.Is(err, ErrNotPairing) {
		t.Errorf("HandlePaired() error = %v, want ErrNotPairing", err)
	}
}

func TestNewCodeInvalidatesPrevious(t *testing.T) {
	m, clock := newTestManager(t, &fakePairer{})
	ctx := context.Background()

	if _, err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(100 * time.Second)
	if _, err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	// the first code's deadline passes but the new code keeps its own expiry
	clock.Advance(30 * time.Second)
	if got := m.Status().Status; got != StatusPairing {
		t.Fatalf("status = %v, want pairing", got)
	}

	if err := m.HandlePaired("CODE-1", "+15550001"); !errors.Is(err, ErrStaleCode) {
		t.Errorf("HandlePaired(old) error = %v, want ErrStaleCode", err)
	}
	if err := m.HandlePaired("CODE-2", "+15550001"); err != nil {
		t.Fatalf("HandlePaired(new) error = %v", err)
	}

	st := m.Status()
	if !st.Connected() || st.PhoneNumber != "+15550001" {
		t.Errorf("state = %+v", st)
	}

	// the expiry timer no longer applies once connected
	clock.Advance(5 * time.Minute)
	if !m.Connected() {
		t.Error("connected session timed out")
	}
}

func TestStartWhenConnectedIsNoop(t *testing.T) {
	pairer := &fakePairer{}
	m, _ := newTestManager(t, pairer)

	if err := m.HandlePaired("", "+15550001"); err != nil {
		t.Fatalf("HandlePaired(restored) error = %v", err)
	}
	st, err := m.Start(context.Background())
	if err != nil || !st.Connected() {
		t.Fatalf("Start() = %+v, %v", st, err)
	}
	if pairer.n != 0 {
		t.Errorf("pairing codes requested = %d, want 0", pairer.n)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"unauthorized", &provider.Error{StatusCode: 401, Err: provider.ErrUnauthorized}, StatusUnauthorized},
		{"gateway down", errors.New("connection refused"), StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, &fakePairer{err: tt.err})
			st, err := m.Start(context.Background())
			if err == nil {
				t.Fatal("Start() expected error")
			}
			if st.Status != tt.want {
				t.Errorf("status = %v, want %v", st.Status, tt.want)
			}
			if st.Message == "" {
				t.Error("state message empty")
			}
		})
	}
}

func TestStopAndProviderEvents(t *testing.T) {
	pairer := &fakePairer{}
	m, _ := newTestManager(t, pairer)
	ctx := context.Background()

	m.HandlePaired("", "+15550001")
	m.HandleDisconnected("phone offline")
	if st := m.Status(); st.Status != StatusDisconnected || st.Message != "phone offline" {
		t.Errorf("state = %+v", st)
	}

	m.HandlePaired("", "+15550001")
	m.HandleUnauthorized("logged out from device")
	if got := m.Status().Status; got != StatusUnauthorized {
		t.Errorf("status = %v, want unauthorized", got)
	}

	st, err := m.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if st.Status != StatusDisconnected || pairer.logout != 1 {
		t.Errorf("Stop() = %+v, logouts %d", st, pairer.logout)
	}
}

func TestSubscribe(t *testing.T) {
	m, clock := newTestManager(t, &fakePairer{})
	updates, cancel := m.Subscribe()
	defer cancel()

	m.Start(context.Background())
	clock.Advance(2 * time.Minute)

	want := []Status{StatusPairing, StatusTimeout}
	for _, w := range want {
		select {
		case st := <-updates:
			if st.Status != w {
				t.Errorf("update = %v, want %v", st.Status, w)
			}
		default:
			t.Fatalf("missing update %v", w)
		}
	}
}

func TestSubscribeDropsOldest(t *testing.T) {
	m, _ := newTestManager(t, &fakePairer{})
	updates, cancel := m.Subscribe()

	for i := 0; i < 20; i++ {
		m.HandleDisconnected(fmt.Sprintf("r%d", i))
	}

	var last State
	n := 0
	for len(updates) > 0 {
		last = <-updates
		n++
	}
	if n != 16 {
		t.Errorf("buffered updates = %d, want 16", n)
	}
	if last.Message != "r19" {
		t.Errorf("last update = %q, want r19", last.Message)
	}

	cancel()
	if _, ok := <-updates; ok {
		t.Error("channel open after cancel")
	}
	cancel()
}

func TestRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRegistry()
	if err := r.Add(NewManager("b", &fakePairer{}, Config{}, logger)); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(NewManager("a", &fakePairer{}, Config{}, logger)); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(NewManager("a", &fakePairer{}, Config{}, logger)); err == nil {
		t.Error("Add() duplicate expected error")
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("Get(a) not found")
	}
	states := r.States()
	if len(states) != 2 || states[0].AccountID != "a" || states[1].Status != StatusDisconnected {
		t.Errorf("States() = %+v", states)
	}
}
