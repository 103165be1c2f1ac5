package types

import "time"

// NetworkType identifies the link the device is currently on.
type NetworkType string

const (
	NetworkOffline  NetworkType = "offline"
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkUnknown  NetworkType = "unknown"
)

// NetworkQuality grades the usability of the current link.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
	QualityUnusable  NetworkQuality = "unusable"
)

// NetworkCondition is a point-in-time connectivity snapshot supplied by the
// caller. The retry layer never probes the network itself; it only reads
// the snapshot it was handed.
type NetworkCondition struct {
	Type          NetworkType
	Quality       NetworkQuality
	BandwidthKbps float64
	Latency       time.Duration
}

// Usable reports whether the link can plausibly carry a retry. An offline
// link or unusable quality rules retrying out regardless of the error.
func (n NetworkCondition) Usable() bool {
	return n.Type != NetworkOffline && n.Quality != QualityUnusable
}
