package buffer

// Option configures a History using the functional options pattern.
type Option[T any] func(*historyOptions[T])

type historyOptions[T any] struct {
	dropCallback DropCallback[T]
	metrics      *Metrics
	name         string
}

// WithDropCallback sets a callback invoked with every evicted item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *historyOptions[T]) {
		opts.dropCallback = callback
	}
}

// WithMetrics reports appends, evictions and size under the given name.
// A nil Metrics is ignored.
func WithMetrics[T any](metrics *Metrics, name string) Option[T] {
	return func(opts *historyOptions[T]) {
		if metrics != nil {
			opts.metrics = metrics
			opts.name = name
		}
	}
}

func applyOptions[T any](options ...Option[T]) *historyOptions[T] {
	opts := &historyOptions[T]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
