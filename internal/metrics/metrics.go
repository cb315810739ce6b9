// SPDX-License-Identifier:Apache-2.0

// Package metrics holds the names of the metrics exported by flagsync so
// that collectors and dashboards agree on them.
package metrics

type metric struct {
	Name string
	Help string
}

var (
	Namespace = "flagsync"

	StreamingSubsystem = "streaming"
	StoreSubsystem     = "store"

	ConnectionUp = metric{
		Name: "connection_up",
		Help: "Streaming connection state (1 is connected, 0 is not)",
	}

	ConnectAttempts = metric{
		Name: "connect_attempts_total",
		Help: "Number of streaming connection attempts",
	}

	MessagesReceived = metric{
		Name: "messages_received_total",
		Help: "Number of messages received on the streaming connection, by type",
	}

	ApplyFailures = metric{
		Name: "apply_failures_total",
		Help: "Number of data-sync messages that could not be applied to the local store",
	}

	ReconnectDelay = metric{
		Name: "reconnect_delay_seconds",
		Help: "Delay waited before reconnecting the streaming connection",
	}

	StoreVersion = metric{
		Name: "version",
		Help: "Current version of the local flag store",
	}

	StoreItems = metric{
		Name: "items",
		Help: "Number of live (non-archived) items in the local flag store, by category",
	}

	StoreInitialized = metric{
		Name: "initialized",
		Help: "Whether the local flag store has received data (1) or not (0)",
	}
)
