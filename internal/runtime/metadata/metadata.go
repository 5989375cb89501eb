package metadata

// Metadata carries free-form values alongside a parcel payload.
type Metadata map[string]any

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key string, value any) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the raw value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// New constructs a Metadata map from alternating key/value pairs. Pairs with a
// non-string key are skipped.
func New(pairs ...any) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		md[key] = pairs[i+1]
	}
	return md
}

// Fetch returns the value stored under key when it holds a T, otherwise fallback.
func Fetch[T any](m Metadata, key string, fallback T) T {
	raw, ok := m[key]
	if !ok {
		return fallback
	}
	v, ok := raw.(T)
	if !ok {
		return fallback
	}
	return v
}

// Lookup is Fetch without a fallback; ok reports whether a T was found.
func Lookup[T any](m Metadata, key string) (T, bool) {
	var zero T
	raw, ok := m[key]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
