package writer

import "time"

// NopWriter discards every row, for runs that only care about the
// harness's log output.
type NopWriter struct{}

func (NopWriter) WriteRow(scenario, detail string, rtt time.Duration) error { return nil }
func (NopWriter) Flush() error                                             { return nil }
func (NopWriter) Close() error                                             { return nil }
