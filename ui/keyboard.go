package ui

import (
	"context"
	"fmt"
	"unicode"
)

// waitFor prints message in color and blocks until one of keys (upper case)
// or ESC is pressed. A closed key channel or a done ctx counts as ESC.
func waitFor(ctx context.Context, color, message string, keys ...rune) rune {
	fmt.Fprintf(Out, "%s%s%s\n", color, message, colorReset)
	DrainKeys()
	keyEvents := StartKeyEvents()
	for {
		var k rune
		select {
		case <-ctx.Done():
			return KeyEsc
		case r, ok := <-keyEvents:
			if !ok {
				return KeyEsc
			}
			k = r
		}
		if k == KeyEsc {
			return KeyEsc
		}
		k = unicode.ToUpper(k)
		for _, want := range keys {
			if k == want {
				return k
			}
		}
	}
}

// WaitForContinue shows an instruction and waits for 'C'. It returns false
// when the operator pressed ESC or ctx is done.
func WaitForContinue(ctx context.Context, message string) bool {
	return waitFor(ctx, "\033[32m", message+" Press 'C' to continue. Or <ESC> to exit.", 'C') == 'C'
}

// NextYN shows a green prompt and waits for single-key Y/N. ESC returns 27.
func NextYN(ctx context.Context, message string) rune {
	return waitFor(ctx, "\033[32m", message, 'Y', 'N')
}

// NextRetryOrSkip prompts after a failed calibration step: 'R' retries, 'S'
// skips the channel, ESC exits.
func NextRetryOrSkip(ctx context.Context, message string) rune {
	return waitFor(ctx, "\033[33m", "\n"+message+" Press 'R' to retry, 'S' to skip, or <ESC> to exit", 'R', 'S')
}
