package supervisor

import (
	"bufio"
	"strings"
	"sync"
	"unicode/utf8"
)

// outputBuffer accumulates sandbox output for storage. Stored output stops
// at the cap; the tail window keeps the most recent bytes regardless.
type outputBuffer struct {
	mu        sync.Mutex
	cap       int64
	window    int
	stored    int64
	total     int64
	truncated bool
	pending   []byte
	tail      []byte
}

func newOutputBuffer(cap int64, window int) *outputBuffer {
	return &outputBuffer{cap: cap, window: window}
}

func (b *outputBuffer) write(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(chunk))

	b.tail = append(b.tail, chunk...)
	if over := len(b.tail) - b.window; over > 0 {
		b.tail = append(b.tail[:0:0], b.tail[over:]...)
	}

	if b.truncated {
		return
	}
	if b.cap > 0 {
		room := b.cap - b.stored
		if int64(len(chunk)) > room {
			chunk = truncateUTF8(chunk, int(room))
			b.truncated = true
		}
	}
	b.pending = append(b.pending, chunk...)
	b.stored += int64(len(chunk))
}

// takePending returns the output not yet handed to the store.
func (b *outputBuffer) takePending() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := string(b.pending)
	b.pending = b.pending[:0]
	return out
}

// restore puts output back in front of anything written since it was
// taken.
func (b *outputBuffer) restore(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append([]byte(s), b.pending...)
}

func (b *outputBuffer) tailString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.tail)
}

func (b *outputBuffer) counts() (total, stored int64, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total, b.stored, b.truncated
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// runeAligner holds back an incomplete trailing rune so chunks never split
// a UTF-8 sequence.
type runeAligner struct {
	mu    sync.Mutex
	carry []byte
}

func (a *runeAligner) align(p []byte) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := append(a.carry, p...)
	cut := completePrefix(buf)
	a.carry = append([]byte(nil), buf[cut:]...)
	return string(buf[:cut])
}

// flush returns whatever is held back, complete or not.
func (a *runeAligner) flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := string(a.carry)
	a.carry = nil
	return out
}

func completePrefix(buf []byte) int {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			return i
		}
		break
	}
	return len(buf)
}

// parseResult extracts PR_URL= and BRANCH= markers from trailing output.
// The last occurrence of each wins.
func parseResult(tail string) (artifact, branch string) {
	scanner := bufio.NewScanner(strings.NewReader(tail))
	scanner.Buffer(make([]byte, 0, 4096), len(tail)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "PR_URL="); ok && strings.TrimSpace(v) != "" {
			artifact = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "BRANCH="); ok && strings.TrimSpace(v) != "" {
			branch = strings.TrimSpace(v)
		}
	}
	return artifact, branch
}
