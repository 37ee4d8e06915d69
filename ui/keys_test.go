package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// withKeys swaps the shared key channel for the duration of a test.
func withKeys(t *testing.T, open func() error) {
	t.Helper()
	prevOpen, prevCh := openKeyboard, keyCh
	openKeyboard = open
	startOnce = sync.Once{}
	keyCh = nil
	t.Cleanup(func() {
		openKeyboard, keyCh = prevOpen, prevCh
		startOnce = sync.Once{}
	})
}

func TestNoTerminalReadsAsEsc(t *testing.T) {
	capture(t)
	withKeys(t, func() error { return errors.New("not a tty") })

	done := make(chan bool, 1)
	go func() { done <- WaitForContinue(context.Background(), "connect") }()
	select {
	case ok := <-done:
		if ok {
			t.Error("WaitForContinue = true without a terminal")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForContinue blocked without a terminal")
	}
}

func TestPromptHonorsContext(t *testing.T) {
	capture(t)
	withKeys(t, func() error { return nil })
	// Open succeeded, but no key ever arrives.
	startOnce.Do(func() { keyCh = make(chan rune, 1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan rune, 1)
	go func() { done <- NextRetryOrSkip(ctx, "Calibration failed.") }()
	cancel()
	select {
	case k := <-done:
		if k != KeyEsc {
			t.Errorf("got %q, want ESC", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt ignored cancellation")
	}
}

func TestPromptAcceptsLowerCase(t *testing.T) {
	capture(t)
	withKeys(t, func() error { return nil })
	startOnce.Do(func() { keyCh = make(chan rune, 4) })

	done := make(chan rune, 1)
	go func() { done <- NextYN(context.Background(), "Save?") }()
	// The prompt drains pending keys first, so keep typing until it answers.
	stop := make(chan struct{})
	defer close(stop)
	go func(ch chan rune) {
		for {
			for _, r := range []rune{'x', 'y'} {
				select {
				case <-stop:
					return
				case ch <- r:
				}
			}
			time.Sleep(time.Millisecond)
		}
	}(keyCh)
	select {
	case k := <-done:
		if k != 'Y' {
			t.Errorf("got %q, want Y", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prompt did not return")
	}
}
