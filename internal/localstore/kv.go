package localstore

// KV is the local persistent storage collaborator: synchronous string
// key-value storage with capacity limits, shared across tabs on one device.
//
// Implementations map onto browser localStorage semantics: Set may fail when
// the quota is exhausted, and Watch delivers foreign-writer change
// notifications (the storage event). Watch callbacks may fire on any
// goroutine; the store re-reads rather than trusting the notification.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (string, bool)

	// Set stores the value. Returns ErrQuotaExceeded (via model sentinel)
	// when capacity is exhausted.
	Set(key, value string) error

	// Remove deletes the key. Removing a missing key is a no-op.
	Remove(key string)

	// Watch registers a callback invoked with the key whenever another
	// writer changes it. The returned func cancels the registration.
	Watch(fn func(key string)) (cancel func())
}
