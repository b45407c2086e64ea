package supervisor

import (
	"bytes"
	"sync"
)

// DefaultOutputLines is how many console lines Output keeps.
const DefaultOutputLines = 500

// MaxLineBytes caps a held partial line. Longer runs without a newline (a
// progress bar redrawn with \r) are cut into lines of this size.
const MaxLineBytes = 8 << 10

// Output captures the server console. It keeps the last lines in a ring and
// fans each complete line out to subscribers; slow subscribers lose lines
// rather than stall the process pipe.
type Output struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
	subs    map[chan string]struct{}
	onLine  func(string)
}

func NewOutput(capacity int, onLine func(string)) *Output {
	if capacity <= 0 {
		capacity = DefaultOutputLines
	}
	return &Output{
		lines:  make([]string, capacity),
		subs:   make(map[chan string]struct{}),
		onLine: onLine,
	}
}

// Write splits p into lines. A trailing partial line is held until its
// newline arrives or it reaches MaxLineBytes.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	o.partial = append(o.partial, p...)
	var complete []string
	for {
		var line string
		if i := bytes.IndexByte(o.partial, '\n'); i >= 0 {
			line = string(bytes.TrimRight(o.partial[:i], "\r"))
			o.partial = o.partial[i+1:]
		} else if len(o.partial) >= MaxLineBytes {
			line = string(o.partial[:MaxLineBytes])
			o.partial = o.partial[MaxLineBytes:]
		} else {
			break
		}
		o.push(line)
		// Sends never block, so holding the lock keeps Unsubscribe from
		// closing a channel mid-send.
		for ch := range o.subs {
			select {
			case ch <- line:
			default:
			}
		}
		complete = append(complete, line)
	}
	// Drop the consumed prefix so the backing array does not keep growing.
	o.partial = append([]byte(nil), o.partial...)
	o.mu.Unlock()

	if o.onLine != nil {
		for _, line := range complete {
			o.onLine(line)
		}
	}
	return len(p), nil
}

func (o *Output) push(line string) {
	o.lines[o.next] = line
	o.next = (o.next + 1) % len(o.lines)
	if o.next == 0 {
		o.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (o *Output) Lines() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.full {
		return append([]string(nil), o.lines[:o.next]...)
	}
	out := make([]string, 0, len(o.lines))
	out = append(out, o.lines[o.next:]...)
	return append(out, o.lines[:o.next]...)
}

// Reset clears buffered lines; used when a new process starts.
func (o *Output) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.lines {
		o.lines[i] = ""
	}
	o.next = 0
	o.full = false
	o.partial = nil
}

func (o *Output) Subscribe() chan string {
	ch := make(chan string, 64)
	o.mu.Lock()
	o.subs[ch] = struct{}{}
	o.mu.Unlock()
	return ch
}

func (o *Output) Unsubscribe(ch chan string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.subs[ch]; ok {
		delete(o.subs, ch)
		close(ch)
	}
}
