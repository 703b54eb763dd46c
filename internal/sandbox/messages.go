package sandbox

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"

	"github.com/google/uuid"
)

// request crosses the host→worker channel. One per in-flight RPC call.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// response crosses the worker→host channel, correlated by ID.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    string          `json:"error,omitempty"`
}

// Reserved method names used by the host for lifecycle hooks. Plugins
// implement them by registering handlers under these names.
const (
	methodEnable        = "__enable"
	methodDisable       = "__disable"
	methodConfigChanged = "__configChanged"
)

var callCounter atomic.Uint64

// newCorrelationID derives an unguessable request id from a monotonic
// counter and fresh random material. The counter keeps rapid concurrent
// calls collision-free; the random half keeps ids unpredictable.
func newCorrelationID() string {
	var buf [8 + 16]byte
	binary.BigEndian.PutUint64(buf[:8], callCounter.Add(1))
	random := uuid.New()
	copy(buf[8:], random[:])
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:16])
}
