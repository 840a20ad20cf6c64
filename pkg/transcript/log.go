package transcript

import "sync"

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Entry is one line of the conversation log.
type Entry struct {
	Speaker Speaker
	Text    string
	Final   bool
}

// Log is the ordered conversation history for a session. Non-final entries
// are updated in place as better hypotheses arrive, so the log never shows
// two stacked drafts of the same utterance.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{}
}

// AppendOrUpdate merges an entry into the log. If the last entry has the
// same speaker and is not final, it is replaced in place. An entry whose
// text exactly matches the entry it would replace or follow is dropped.
func (l *Log) AppendOrUpdate(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 {
		last := &l.entries[n-1]
		if last.Speaker == entry.Speaker && !last.Final {
			if last.Text == entry.Text && last.Final == entry.Final {
				return
			}
			*last = entry
			return
		}
		if last.Speaker == entry.Speaker && last.Final && last.Text == entry.Text {
			return
		}
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a copy of the log in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
