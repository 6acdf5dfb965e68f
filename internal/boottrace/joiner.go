package boottrace

import (
	"errors"
	"io"
	"sort"
	"time"
)

// Joined is a complete process observation assembled from a start and an image-load record.
type Joined struct {
	Pid        uint32
	ParentPid  uint32
	CreateTime int64
	ImagePath  string
}

// JoinStats counts what a replay saw.
type JoinStats struct {
	Starts  int
	Images  int
	Joined  int
	Dropped int
}

// Joiner pairs start and image-load halves per PID. It is not safe for concurrent use.
type Joiner struct {
	window int64
	starts map[uint32]*ProcessStart
	images map[uint32]*ImageLoad
	newest int64
	stats  JoinStats
}

// NewJoiner returns a joiner that pairs halves at most window apart.
func NewJoiner(window time.Duration) *Joiner {
	return &Joiner{
		window: window.Nanoseconds(),
		starts: make(map[uint32]*ProcessStart),
		images: make(map[uint32]*ImageLoad),
	}
}

// Add feeds one record. It returns the joined observation when rec completes a pair.
func (j *Joiner) Add(rec Record) (*Joined, bool) {
	if t := rec.RecordTime(); t > j.newest {
		j.newest = t
		j.expire()
	}

	pid := rec.RecordPid()
	switch r := rec.(type) {
	case *ProcessStart:
		j.stats.Starts++
		if img, ok := j.images[pid]; ok && j.within(r.CreateTime, img.Timestamp) {
			delete(j.images, pid)
			return j.join(r, img), true
		}
		if _, ok := j.starts[pid]; ok {
			j.stats.Dropped++
		}
		j.starts[pid] = r

	case *ImageLoad:
		j.stats.Images++
		if st, ok := j.starts[pid]; ok && j.within(st.CreateTime, r.Timestamp) {
			delete(j.starts, pid)
			return j.join(st, r), true
		}
		if _, ok := j.images[pid]; ok {
			j.stats.Dropped++
		}
		j.images[pid] = r
	}
	return nil, false
}

// Finish drops every pending half and returns the final counts.
func (j *Joiner) Finish() JoinStats {
	j.stats.Dropped += len(j.starts) + len(j.images)
	clear(j.starts)
	clear(j.images)
	return j.stats
}

func (j *Joiner) join(st *ProcessStart, img *ImageLoad) *Joined {
	j.stats.Joined++
	return &Joined{
		Pid:        st.Pid,
		ParentPid:  st.ParentPid,
		CreateTime: st.CreateTime,
		ImagePath:  img.ImagePath,
	}
}

func (j *Joiner) within(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= j.window
}

// expire drops halves that can no longer be matched.
func (j *Joiner) expire() {
	cutoff := j.newest - j.window
	for pid, st := range j.starts {
		if st.CreateTime < cutoff {
			delete(j.starts, pid)
			j.stats.Dropped++
		}
	}
	for pid, img := range j.images {
		if img.Timestamp < cutoff {
			delete(j.images, pid)
			j.stats.Dropped++
		}
	}
}

// Replay reads a whole log and returns the joined observations ordered by CreateTime.
// A malformed record ends the replay with an error; what was joined so far is still returned.
func Replay(r io.Reader, window time.Duration) ([]Joined, JoinStats, error) {
	reader, err := NewReader(r)
	if err != nil {
		return nil, JoinStats{}, err
	}

	j := NewJoiner(window)
	var out []Joined
	var readErr error
	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if joined, ok := j.Add(rec); ok {
			out = append(out, *joined)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreateTime < out[b].CreateTime
	})
	return out, j.Finish(), readErr
}
