// Package notify publishes segment lifecycle events over MQTT for downstream
// consumers. Publishing is optional and fully decoupled from ingestion: a nil
// publisher is a no-op, and a broker outage at startup degrades to disabled
// rather than preventing audio capture.
package notify
