package ui

import (
	"sync"

	"github.com/eiannone/keyboard"
)

// KeyEsc is the rune emitted for the Escape key.
const KeyEsc rune = 27

// One reader goroutine feeds a shared buffered channel so prompts in
// successive phases never reopen the terminal.
var (
	keyCh     chan rune
	startOnce sync.Once

	openKeyboard = keyboard.Open
)

// StartKeyEvents returns a channel that emits single-key runes read without
// Enter. If the keyboard cannot be opened (no TTY) the channel is closed, so
// prompts read it as ESC.
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := openKeyboard(); err != nil {
			close(keyCh)
			return
		}
		go func() {
			defer keyboard.Close()
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					close(keyCh)
					return
				}
				r := char
				switch key {
				case 0:
				case keyboard.KeyEsc, keyboard.KeyCtrlC:
					r = KeyEsc
				case keyboard.KeyEnter:
					r = '\r'
				default:
					continue
				}
				select {
				case keyCh <- r:
				default:
				}
			}
		}()
	})
	return keyCh
}

// DrainKeys consumes any immediately available keys to avoid accidental triggers.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
