// Package snowflake generates time-ordered int64 ids. Ids issued by one node
// are strictly increasing, which gives messages of a chat a persistence order
// the store can cluster on.
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	nodeMax   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// DefaultEpoch is 2024-01-01 00:00:00 UTC in milliseconds.
	DefaultEpoch int64 = 1704067200000
)

var ErrNodeRange = errors.New("node number must be between 0 and 1023")

type Node struct {
	mu    sync.Mutex
	time  int64
	node  int64
	step  int64
	epoch int64
	now   func() time.Time
}

type Option func(*Node)

// WithEpoch overrides the reference instant ids are counted from.
func WithEpoch(epochMillis int64) Option {
	return func(n *Node) { n.epoch = epochMillis }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

func NewNode(node int64, opts ...Option) (*Node, error) {
	if node < 0 || node > nodeMax {
		return nil, ErrNodeRange
	}
	n := &Node{
		node:  node,
		epoch: DefaultEpoch,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now().UnixMilli()
	if now < n.time {
		// clock went backwards: keep issuing from the last seen millisecond
		now = n.time
	}

	if n.time == now {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			// sequence exhausted for this millisecond
			now++
		}
	} else {
		n.step = 0
	}
	n.time = now

	return ((now - n.epoch) << timeShift) | (n.node << nodeShift) | n.step
}

// Time returns the millisecond an id was generated at.
func (n *Node) Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + n.epoch)
}

// NodeOf extracts the node number embedded in id.
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & nodeMax
}
