package output

// NoopSink discards everything, used when a destination is disabled.
type NoopSink struct{}

func (NoopSink) UpdateTab(string, [][]any) error { return nil }
func (NoopSink) Save() error                     { return nil }
func (NoopSink) Close() error                    { return nil }
