// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// StoreOpen caps how long opening a file-backed store waits for the file lock.
const StoreOpen = time.Second

// TransportSend caps the time allowed to hand one notification to a broker.
const TransportSend = 5 * time.Second

// TransportDial caps the wait time when connecting to a broker.
const TransportDial = 5 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers and loops wait for in-flight work
// during graceful shutdown.
const Shutdown = 5 * time.Second
