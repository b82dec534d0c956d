package redisholder

import (
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Holder keeps the live client. The health loop swaps in a rebuilt client
// when the old one stops answering, and the replacement may be of a
// different concrete type (cluster vs single node).
type Holder struct {
	p atomic.Pointer[entry]
}

type entry struct {
	client redis.UniversalClient
}

func NewHolder(initial redis.UniversalClient) *Holder {
	h := &Holder{}
	h.p.Store(&entry{client: initial})
	return h
}

func (h *Holder) Get() redis.UniversalClient {
	if e := h.p.Load(); e != nil {
		return e.client
	}
	return nil
}

func (h *Holder) swap(newc redis.UniversalClient) (old redis.UniversalClient) {
	if e := h.p.Swap(&entry{client: newc}); e != nil {
		return e.client
	}
	return nil
}

func (h *Holder) Close() error {
	if c := h.Get(); c != nil {
		return c.Close()
	}
	return nil
}
