// Package wav implements the RIFF/WAVE container header codec for PCM audio.
// The header is written once at segment creation with the declared payload
// size; it is never rewritten, so a segment truncated by disconnect keeps a
// header that overstates its actual content.
package wav
