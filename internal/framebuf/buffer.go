// Package framebuf accumulates the decoded byte stream of one peer and cuts it
// into frames.
//
// Text is only ever appended at the tail and consumed from the head, so no
// byte is returned twice. A Buffer is safe for concurrent use.
package framebuf

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Buffer is a growable text accumulator for a single peer.
type Buffer struct {
	mu  sync.Mutex
	buf strings.Builder
	// head is the number of bytes of buf already consumed.
	head int
	// n counts the buffered code points. Input is Latin-1 decoded, so each
	// one stands for a single received byte.
	n int
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds text at the tail.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.buf.WriteString(text)
	b.n += utf8.RuneCountInString(text)
	b.mu.Unlock()
}

// DrainAll returns everything buffered and empties the buffer.
func (b *Buffer) DrainAll() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pendingLocked()
	b.resetLocked()
	return out
}

// ExtractUntil returns the prefix ending with (and including) the first
// occurrence of delimiter, removing exactly that prefix. It returns "" without
// touching the buffer when delimiter is empty or not present.
func (b *Buffer) ExtractUntil(delimiter string) string {
	if delimiter == "" {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pendingLocked()
	idx := strings.Index(pending, delimiter)
	if idx < 0 {
		return ""
	}
	end := idx + len(delimiter)
	frame := pending[:end]
	b.head += end
	b.n -= utf8.RuneCountInString(frame)
	b.compactLocked()
	return frame
}

// ExtractAll repeatedly applies ExtractUntil and returns every complete frame
// in stream order.
func (b *Buffer) ExtractAll(delimiter string) []string {
	var frames []string
	for {
		f := b.ExtractUntil(delimiter)
		if f == "" {
			return frames
		}
		frames = append(frames, f)
	}
}

// Clear drops the buffered contents.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
}

// Len returns the number of buffered characters, which for DecodeLatin1
// input is the number of received bytes still buffered.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *Buffer) pendingLocked() string {
	return b.buf.String()[b.head:]
}

func (b *Buffer) resetLocked() {
	b.buf.Reset()
	b.head = 0
	b.n = 0
}

// compactLocked rewrites the builder once the consumed prefix dominates it.
func (b *Buffer) compactLocked() {
	if b.head == b.buf.Len() {
		b.resetLocked()
		return
	}
	if b.head < 4096 || b.head < b.buf.Len()/2 {
		return
	}
	rest := b.pendingLocked()
	b.buf.Reset()
	b.buf.WriteString(rest)
	b.head = 0
}
