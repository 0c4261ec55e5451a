package stats

import (
	"sync"
)

type Stage string

const (
	StageConnect Stage = "connect"
	StageSearch  Stage = "search"
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageStore   Stage = "store"
	StageNotify  Stage = "notify"
)

type EventType string

const (
	EventTypeMatched   EventType = "matched"
	EventTypeDecoded   EventType = "decoded"
	EventTypeFiltered  EventType = "filtered"
	EventTypeSaved     EventType = "saved"
	EventTypeDuplicate EventType = "duplicate"
	EventTypeUnnamed   EventType = "unnamed"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage    Stage
	Type     EventType
	SeqNum   uint32
	Filename string
	Err      error
}

// Summary counts the events of one tick.
type Summary struct {
	Matched    int
	Decoded    int
	Filtered   int
	Saved      int
	Duplicates int
	Unnamed    int
	Errors     int
	LastError  error
	SavedFiles []string
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"matched", s.Matched,
		"decoded", s.Decoded,
		"filtered", s.Filtered,
		"saved", s.Saved,
		"duplicates", s.Duplicates,
		"unnamed", s.Unnamed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates events. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeDecoded:
		c.summary.Decoded++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeSaved:
		c.summary.Saved++
		c.summary.SavedFiles = append(c.summary.SavedFiles, evt.Filename)
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeUnnamed:
		c.summary.Unnamed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.SavedFiles = append([]string(nil), c.summary.SavedFiles...)
	c.mu.Unlock()
	return summary
}
