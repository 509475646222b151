package artifact

import (
	"container/heap"
	"io"

	"github.com/pingcap/errors"
)

type logHead struct {
	entry *LogEntry
	src   int
}

type logHeap []logHead

func (h logHeap) Len() int           { return len(h) }
func (h logHeap) Less(i, j int) bool { return h[i].entry.Seq < h[j].entry.Seq }
func (h logHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *logHeap) Push(x any)        { *h = append(*h, x.(logHead)) }

func (h *logHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// MergedLog merges the logs of several parts into one stream ordered by sequence number.
type MergedLog struct {
	sources []LogSource
	heap    logHeap
	started bool
	lastSeq uint64
}

// MergeLogs returns a LogSource that yields the entries of every source in
// global sequence order. Every source must itself be ordered.
func MergeLogs(sources ...LogSource) *MergedLog {
	return &MergedLog{sources: sources}
}

func (m *MergedLog) pull(src int) error {
	e, err := m.sources[src].NextLogEntry()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "log of part %d", src)
	}
	heap.Push(&m.heap, logHead{entry: e, src: src})
	return nil
}

// NextLogEntry implements LogSource.
func (m *MergedLog) NextLogEntry() (*LogEntry, error) {
	if !m.started {
		m.started = true
		for i := range m.sources {
			if err := m.pull(i); err != nil {
				return nil, err
			}
		}
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}
	head := heap.Pop(&m.heap).(logHead)
	if head.entry.Seq <= m.lastSeq {
		return nil, errors.Errorf("log sequence %d of part %d already seen (last %d)", head.entry.Seq, head.src, m.lastSeq)
	}
	m.lastSeq = head.entry.Seq
	if err := m.pull(head.src); err != nil {
		return nil, err
	}
	return head.entry, nil
}
