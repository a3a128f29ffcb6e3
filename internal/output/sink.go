// Package output writes harvested tables to spreadsheets, JSON documents
// and Postgres.
package output

// Sink receives named tabs of rows. The first row is headers, the second
// the HXL hashtag row, and the rest data.
type Sink interface {
	// UpdateTab replaces the named tab's contents.
	UpdateTab(name string, rows [][]any) error
	// Save flushes buffered tabs to the destination.
	Save() error
	// Close releases resources. Save is not implied.
	Close() error
}

// MultiSink fans UpdateTab, Save and Close out to several sinks,
// returning the first error.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) UpdateTab(name string, rows [][]any) error {
	for _, s := range m.sinks {
		if err := s.UpdateTab(name, rows); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Save() error {
	for _, s := range m.sinks {
		if err := s.Save(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiSink) Close() error {
	var first error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
