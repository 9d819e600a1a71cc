// Package ingest implements the TCP server receiving the raw PCM stream from
// the sender firmware. One connection is serviced at a time; a single
// goroutine owns the connection and all segment-mutating state, reading
// fixed-size chunks and rolling segments over as they fill. Closed segments
// are handed to a scheduler for deferred compression without ever blocking
// the read path.
package ingest
