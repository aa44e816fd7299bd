// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

// Metrics records channel activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RequestCompleted(plugin, status string)
	MessageDropped(plugin, reason string)
	NotificationReceived(plugin, key string)
	QueueDepth(plugin string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) RequestCompleted(string, string)     {}
func (noopMetrics) MessageDropped(string, string)       {}
func (noopMetrics) NotificationReceived(string, string) {}
func (noopMetrics) QueueDepth(string, int)              {}
