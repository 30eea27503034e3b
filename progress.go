package pullkit

// ProgressEvent represents a progress update while a blob is read.
type ProgressEvent struct {
	// BytesTransferred is the cumulative bytes read so far, including any
	// resume offset.
	BytesTransferred int64
	// TotalBytes is the total expected size, or -1 when unknown.
	TotalBytes int64
}

// ProgressCallback is called while a blob is read to report progress.
// Implementations should be efficient as this may be called frequently.
type ProgressCallback func(event ProgressEvent)
