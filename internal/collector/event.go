package collector

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Event types written by the BPF programs.
const (
	EventExec uint8 = 1
	EventExit uint8 = 2
)

// Event is the fixed-size record the BPF programs push into the ring buffer.
type Event struct {
	Pid       uint32
	Ppid      uint32
	Uid       uint32
	_         uint32 // keeps Timestamp 8-byte aligned
	Timestamp uint64 // bpf_ktime_get_boot_ns
	Type      uint8
	_         [3]byte
	ExitCode  uint32
	Comm      [16]byte
}

// EventSize is the encoded size of an Event.
var EventSize = binary.Size(Event{})

// DecodeEvent parses one ring buffer sample.
func DecodeEvent(sample []byte) (*Event, error) {
	if len(sample) < EventSize {
		return nil, fmt.Errorf("short event: %d bytes, want %d", len(sample), EventSize)
	}
	var ev Event
	if err := binary.Read(bytes.NewReader(sample[:EventSize]), binary.LittleEndian, &ev); err != nil {
		return nil, fmt.Errorf("parsing event: %w", err)
	}
	return &ev, nil
}

// CommString returns the task name up to its NUL terminator.
func (e *Event) CommString() string {
	return string(bytes.TrimRight(e.Comm[:], "\x00"))
}
