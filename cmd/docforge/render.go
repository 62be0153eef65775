package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

const caretGlyph = "▌"

// renderer appends revealed text to a terminal and keeps a caret after it
// while the reveal is running. Prompts go through Printf so they never land
// between the text and its caret.
type renderer struct {
	mu    sync.Mutex
	out   io.Writer
	shown int
	caret bool

	caretColor *color.Color
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, caretColor: color.New(color.FgCyan)}
}

// Text prints whatever part of displayed is new.
func (r *renderer) Text(displayed string, revealing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runes := []rune(displayed)
	if len(runes) < r.shown {
		// A new generation replaced the old text.
		r.eraseCaret()
		fmt.Fprintln(r.out)
		r.shown = 0
	}
	if len(runes) == r.shown && revealing == r.caret {
		return
	}

	r.eraseCaret()
	fmt.Fprint(r.out, string(runes[r.shown:]))
	r.shown = len(runes)
	if revealing {
		fmt.Fprint(r.out, r.caretColor.Sprint(caretGlyph))
		r.caret = true
	}
}

func (r *renderer) eraseCaret() {
	if r.caret {
		fmt.Fprint(r.out, "\b \b")
		r.caret = false
	}
}

func (r *renderer) Printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eraseCaret()
	fmt.Fprintf(r.out, format, args...)
}

func (r *renderer) Colorf(c *color.Color, format string, args ...interface{}) {
	r.Printf("%s", c.Sprintf(format, args...))
}
