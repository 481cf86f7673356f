package settings

import "math"

type number interface {
	int | int8 | int16 | int32 | int64 | uint | uint8 | uint16 | uint32 | uint64
}

// Setting is a Default/Maximal pair: Default sizes an initial allocation,
// Maximal is the hard limit that turns further growth into a fatal parse
// error instead of unbounded memory use.
type Setting[T number] struct {
	Default T
	Maximal T
}

type (
	// StatusLine bounds the buffer used to reassemble a status line that
	// arrives split across pipeline deliveries.
	StatusLine Setting[uint16]

	// HeaderKey bounds the buffer used to reassemble a fragmented header
	// name.
	HeaderKey Setting[uint16]

	// HeaderValue bounds the buffer used to reassemble a fragmented header
	// value.
	HeaderValue Setting[uint32]

	// HeadersCount limits how many headers a single message (response or
	// trailer block) may carry.
	HeadersCount Setting[uint16]

	// ChunkExtensions bounds the buffer used to reassemble a fragmented
	// chunk-extension list on a single chunk size line.
	ChunkExtensions Setting[uint16]

	// ReadWindow sizes the connection's initial flow-control credit
	// (spec.md §4.2, "Backpressure").
	ReadWindow Setting[uint32]

	// ChunkQueueDepth bounds how many outbound chunks may be queued ahead
	// of the encoder; past it, Enqueue fails with ErrQueueFull rather than
	// blocking the caller.
	ChunkQueueDepth Setting[uint16]
)

type Headers struct {
	Key   HeaderKey
	Value HeaderValue
	Count HeadersCount
}

type Body struct {
	ChunkExtensions ChunkExtensions
}

type Settings struct {
	StatusLine StatusLine
	Headers    Headers
	Body       Body
	ReadWindow ReadWindow
	ChunkQueue ChunkQueueDepth
}

// Default returns the settings this module uses unless a caller overrides
// them. The values mirror what a single pipelined HTTP/1.1 exchange
// typically needs: generous enough that ordinary traffic never hits the
// Maximal ceiling, small enough that a hostile peer can't force unbounded
// buffering.
func Default() Settings {
	return Settings{
		StatusLine: StatusLine{
			Default: 128,
			Maximal: 8192,
		},
		Headers: Headers{
			Key: HeaderKey{
				Default: 64,
				Maximal: 256,
			},
			Value: HeaderValue{
				Default: 512,
				Maximal: 1 << 16,
			},
			Count: HeadersCount{
				Default: 32,
				Maximal: 256,
			},
		},
		Body: Body{
			ChunkExtensions: ChunkExtensions{
				Default: 64,
				Maximal: 4096,
			},
		},
		ReadWindow: ReadWindow{
			Default: 1 << 20,
			Maximal: math.MaxUint32,
		},
		ChunkQueue: ChunkQueueDepth{
			Default: 16,
			Maximal: 4096,
		},
	}
}

// Fill takes a partially-populated Settings (as a caller might build by
// hand, leaving fields they don't care about at the zero value) and fills
// every zero field with its default counterpart.
func Fill(original Settings) (modified Settings) {
	d := Default()

	original.StatusLine.Default = customOrDefault(original.StatusLine.Default, d.StatusLine.Default)
	original.StatusLine.Maximal = customOrDefault(original.StatusLine.Maximal, d.StatusLine.Maximal)

	original.Headers.Key.Default = customOrDefault(original.Headers.Key.Default, d.Headers.Key.Default)
	original.Headers.Key.Maximal = customOrDefault(original.Headers.Key.Maximal, d.Headers.Key.Maximal)
	original.Headers.Value.Default = customOrDefault(original.Headers.Value.Default, d.Headers.Value.Default)
	original.Headers.Value.Maximal = customOrDefault(original.Headers.Value.Maximal, d.Headers.Value.Maximal)
	original.Headers.Count.Default = customOrDefault(original.Headers.Count.Default, d.Headers.Count.Default)
	original.Headers.Count.Maximal = customOrDefault(original.Headers.Count.Maximal, d.Headers.Count.Maximal)

	original.Body.ChunkExtensions.Default = customOrDefault(
		original.Body.ChunkExtensions.Default, d.Body.ChunkExtensions.Default,
	)
	original.Body.ChunkExtensions.Maximal = customOrDefault(
		original.Body.ChunkExtensions.Maximal, d.Body.ChunkExtensions.Maximal,
	)

	original.ReadWindow.Default = customOrDefault(original.ReadWindow.Default, d.ReadWindow.Default)
	original.ReadWindow.Maximal = customOrDefault(original.ReadWindow.Maximal, d.ReadWindow.Maximal)

	original.ChunkQueue.Default = customOrDefault(original.ChunkQueue.Default, d.ChunkQueue.Default)
	original.ChunkQueue.Maximal = customOrDefault(original.ChunkQueue.Maximal, d.ChunkQueue.Maximal)

	return original
}

func customOrDefault[T number](custom, defaultVal T) T {
	if custom == 0 {
		return defaultVal
	}

	return custom
}
