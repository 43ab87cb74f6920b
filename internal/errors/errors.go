// Package errors implements the runtime's error-handling taxonomy:
// precondition/protocol/allocation failures are fatal and abort the
// process with a one-line cause plus a per-rank stack file; everything
// else is a plain error routed back to the caller's callback.
package errors

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/vtrt-project/vtrt/internal/log"
)

// Kind classifies a failure by how it should be handled.
type Kind int

const (
	// Precondition is a violated invariant: locked envelope mutated,
	// unknown handler, null proxy.
	Precondition Kind = iota
	// Allocation is a pool-exhaustion failure.
	Allocation
	// Protocol is a broken cross-rank protocol invariant (DS counters,
	// reduction arity mismatch).
	Protocol
)

func (k Kind) String() string {
	switch k {
	case Precondition:
		return "precondition violation"
	case Allocation:
		return "allocation failure"
	case Protocol:
		return "protocol violation"
	default:
		return "unknown error kind"
	}
}

// StackWriter abstracts where the designated rank writes its abort
// stack trace. A real deployment writes one file per rank; tests can
// substitute an in-memory writer.
type StackWriter interface {
	WriteStack(rank int, stack []byte) error
}

// FileStackWriter writes rank-<rank>.stack under Dir. An empty Dir
// writes nothing.
type FileStackWriter struct {
	Dir string
}

// WriteStack implements StackWriter.
func (f FileStackWriter) WriteStack(rank int, stack []byte) error {
	if f.Dir == "" {
		return nil
	}
	path := filepath.Join(f.Dir, fmt.Sprintf("rank-%d.stack", rank))
	return os.WriteFile(path, stack, 0o644)
}

// Abort logs a one-line cause, writes a stack dump via w (if non-nil)
// and terminates the process. It never returns.
func Abort(logger log.Logger, w StackWriter, rank int, kind Kind, cause error) {
	wrapped := errors.Wrapf(cause, "%s on rank %d", kind, rank)
	logger.Errorf("fatal: %v", wrapped)
	if w != nil {
		stack := []byte(fmt.Sprintf("%+v\n", wrapped))
		if err := w.WriteStack(rank, stack); err != nil {
			logger.Errorf("failed to write abort stack: %v", err)
		}
	}
	os.Exit(1)
}

// Wrap is a thin alias over pkg/errors.Wrapf, used so call sites that
// build a Protocol/Precondition diagnostic get a stack trace attached
// without importing pkg/errors directly everywhere.
func Wrap(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New is an alias over pkg/errors.Errorf for constructing a stack-carrying
// error from scratch (used by Protocol-violation sites that have no
// underlying error to wrap).
func New(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}
