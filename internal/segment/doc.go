// Package segment implements bounded audio recording files and the on-disk
// archive layout. A Writer owns one open WAV file and accumulates payload
// bytes until its declared target size is reached; a Store derives
// date-partitioned paths and lists archived recordings for readers.
package segment
