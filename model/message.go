package model

import "time"

// CriterionField is a single equality constraint of a mailbox search.
type CriterionField struct {
	Field string
	Value string
}

// SearchCriterion is an ordered set of constraints combined with AND.
type SearchCriterion struct {
	Fields []CriterionField
}

// Value returns the value of the first field with the given name.
func (c SearchCriterion) Value(field string) (string, bool) {
	for _, f := range c.Fields {
		if f.Field == field {
			return f.Value, true
		}
	}
	return "", false
}

// RawMessage is one mailbox entry as fetched. SeqNum is only meaningful
// within the tick that fetched it.
type RawMessage struct {
	SeqNum uint32
	UID    uint32
	Body   []byte
}

// DecodedMessage holds the fields recovered from a RawMessage.
type DecodedMessage struct {
	From        string
	Subject     string
	Date        time.Time
	Attachments []Attachment
}

// Attachment is a named binary payload. Filename may be empty.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	// Disposition is the raw Content-Disposition header value.
	Disposition string
	// FilenameErr is set when the disposition carries a filename that could
	// not be parsed; Filename is then empty.
	FilenameErr error
}

type StoreStatus string

const (
	StoreSkipped StoreStatus = "skipped"
	StoreWritten StoreStatus = "written"
)

// StoreOutcome reports what the attachment store did with one attachment.
type StoreOutcome struct {
	Status StoreStatus
	Path   string
}

// TriggerResult carries the counters reported by the downstream service.
type TriggerResult struct {
	Existed int
	Created int
}
