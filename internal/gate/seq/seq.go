// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package seq provides synchronized access to monotonic counters. Device
// handles and request ids are drawn from these counters, so allocating one is
// a single increment and no value is ever handed out twice by the same
// counter.
package seq

import (
	"sync"
)

// Counter hands out strictly increasing values. The zero value is not usable,
// use New.
type Counter struct {
	mutex sync.Mutex
	next  uint64
}

// Returns a counter whose first call to Next() returns first.
func New(first uint64) *Counter {
	return &Counter{next: first}
}

// Returns value which will be returned by the next call to Next(). The value
// is not reserved, i.e. it must not be used without calling Next().
func (c *Counter) Current() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.next
}

// Returns currently unassigned value and increments the counter, hence the
// counter contains unassigned value again.
func (c *Counter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.next
	c.next++

	return tmp
}
