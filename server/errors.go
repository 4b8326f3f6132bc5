package server

import "errors"

// ErrorKind tags a worker-level error with the category from the
// supervision engine's error table, so callers can branch on kind
// without string matching.
type ErrorKind string

const (
	KindConfigMissing        ErrorKind = "config-missing"
	KindWorkerProgramMissing ErrorKind = "worker-program-missing"
	KindSpawnIO              ErrorKind = "spawn-io"
	KindProtocolMalformed    ErrorKind = "protocol-malformed"
	KindConnectionLost       ErrorKind = "connection-lost"
	KindChildCrash           ErrorKind = "child-crash"
)

var (
	ErrConfigMissing        = errors.New("config-missing: configuration file does not exist")
	ErrWorkerProgramMissing = errors.New("worker-program-missing: worker executable not found")
	ErrSpawnIO              = errors.New("spawn-io: failed to prepare worker I/O")
	ErrProtocolMalformed    = errors.New("protocol-malformed: malformed frame on worker connection")
	ErrConnectionLost       = errors.New("connection-lost: worker connection closed before end")
	ErrChildCrash           = errors.New("child-crash: worker process exited unexpectedly")

	ErrWorkerBusy        = errors.New("worker is busy")
	ErrWorkerUnavailable = errors.New("worker is not available")
	ErrNoWorkers         = errors.New("no workers available")
	ErrExchangeEnded     = errors.New("exchange already ended")
)

// KindOf classifies err against the known sentinel errors. It returns
// the empty ErrorKind for errors outside the supervision engine's table.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrConfigMissing):
		return KindConfigMissing
	case errors.Is(err, ErrWorkerProgramMissing):
		return KindWorkerProgramMissing
	case errors.Is(err, ErrSpawnIO):
		return KindSpawnIO
	case errors.Is(err, ErrProtocolMalformed):
		return KindProtocolMalformed
	case errors.Is(err, ErrConnectionLost):
		return KindConnectionLost
	case errors.Is(err, ErrChildCrash):
		return KindChildCrash
	default:
		return ""
	}
}
