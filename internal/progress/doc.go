// Package progress carries harvest run events from the crawl sessions to
// pluggable sinks. Emitting never blocks a session; events are batched on a
// background goroutine.
package progress
