package domain

// Transport is the fire-and-forget broadcast primitive both ends share.
// Publish returns immediately; delivery is unordered, at-most-once, and its
// success is not observable by the caller. Only a later reply (or its
// absence) tells a publisher anything.
type Transport interface {
	Publish(channel string, data []byte)

	// Subscribe registers handler for every datagram arriving on channel.
	// Handlers run on a single dispatch context per subscription: no two
	// datagrams of one subscription are handled concurrently.
	Subscribe(channel string, handler func(data []byte)) (Subscription, error)
}

// Subscription is a live receiver registration. Close is idempotent.
type Subscription interface {
	Close() error
}
