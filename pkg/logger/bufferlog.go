// Package logger implements a per-submission in-memory log buffer.
//
// Detail lines accumulate in a buffer while a submission is being handled.
// On failure the buffer is replayed followed by the final error, so the
// operator sees the whole story; on success the buffer is dropped and one
// short line is printed.
//
// Thread safety comes from a dedicated logger goroutine fed over a command
// channel; there are no mutexes.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	id      string
	message string    // for Append
	summary string    // for Success
	err     error     // for FlushErr
	when    time.Time // arrival stamp, kept for ordering
}

var ch = make(chan cmd, 128) // buffered against request bursts

// Begin starts buffering detail lines for the given submission ID.
func Begin(id string) { ch <- cmd{act: actBegin, id: id, when: time.Now()} }

// Append adds one detail line to the submission's buffer.
func Append(id, msg string) {
	ch <- cmd{act: actAppend, id: id, message: msg, when: time.Now()}
}

// Success drops the buffer and prints one short confirmation line.
func Success(id, summary string) {
	ch <- cmd{act: actSuccess, id: id, summary: summary, when: time.Now()}
}

// FlushError replays the accumulated buffer and prints the final error.
func FlushError(id string, err error) {
	ch <- cmd{act: actFlushErr, id: id, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.id] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.id]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				log.Print(c.message) // no buffer, print immediately
			}

		case actSuccess:
			log.Printf("[%-8s][submit] ✔ %s", c.id, c.summary)
			delete(buffers, c.id)

		case actFlushErr:
			if b := buffers[c.id]; b != nil {
				lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
				for _, ln := range lines {
					log.Print(ln)
				}
				delete(buffers, c.id)
			}
			log.Printf("[%-8s][ERROR] %v", c.id, c.err)
		}
	}
}
