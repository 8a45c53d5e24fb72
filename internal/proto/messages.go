// Package proto holds the line-oriented rendezvous handshake vocabulary.
package proto

import (
	"bytes"
	"io"
	"strings"
)

// Client -> server requests. Each is sent as a single newline-terminated line.
const (
	Join  = "JOIN"
	Leave = "LEAVE"
)

// Server -> client status lines. They precede the relayed byte stream and are
// never part of it.
const (
	Waiting = "WAITING"
	Paired  = "PAIRED"
)

// Sentinel ends a session voluntarily when it arrives as one complete read.
// It is consumed by the relay and never forwarded.
var Sentinel = []byte("__DISCONNECT__")

// MaxLine bounds a handshake line, newline included.
const MaxLine = 64

// IsSentinel reports whether chunk is exactly the termination sentinel.
func IsSentinel(chunk []byte) bool { return bytes.Equal(chunk, Sentinel) }

// Command normalizes a raw handshake line ("JOIN\r\n" -> "JOIN").
func Command(line string) string { return strings.ToUpper(strings.TrimSpace(line)) }

// LeadingLine returns the first complete line of buf without its terminator and
// whether one was present.
func LeadingLine(buf []byte) (string, bool) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return "", false
	}
	return string(buf[:i]), true
}

// WriteLine writes a status line with its newline terminator.
func WriteLine(w io.Writer, status string) error {
	_, err := io.WriteString(w, status+"\n")
	return err
}
