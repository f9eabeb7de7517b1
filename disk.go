package peerwire

// DiskIO is the asynchronous disk job collaborator. Completion callbacks may
// run on any goroutine except the submitting one: they must not be invoked
// before submission returns, as the caller may hold locks. Implementations
// are expected to be a job queue over a worker pool; the connection never
// performs disk I/O inline with message handling.
type DiskIO interface {
	// ReadBlock fills buf with the block's data and calls cb with the byte
	// count read.
	ReadBlock(r Request, buf []byte, cb func(n int, err error))
	// WriteBlock persists the block's data. data must not be reused until cb
	// runs.
	WriteBlock(r Request, data []byte, cb func(err error))
}
