// Package mocks provides test doubles for packforge interfaces.
// mock_backend.go is generated by mockgen; the fakes here are hand-written.
package mocks

import (
	"context"
	"sync"

	"github.com/packforge/packforge/pkg/scheduler"
)

// FakeRemoteClient is an in-memory cache.RemoteClient. Setting Err makes
// every call fail with it; FailNext fails only the next call of one op.
type FakeRemoteClient struct {
	mu     sync.Mutex
	values map[string][]byte
	hashes map[string]map[string]string
	calls  map[string]int
	once   map[string]error
	Err    error
}

// NewFakeRemoteClient creates an empty fake
func NewFakeRemoteClient() *FakeRemoteClient {
	return &FakeRemoteClient{
		values: make(map[string][]byte),
		hashes: make(map[string]map[string]string),
		calls:  make(map[string]int),
		once:   make(map[string]error),
	}
}

func (c *FakeRemoteClient) begin(op string) error {
	c.calls[op]++
	if err, ok := c.once[op]; ok {
		delete(c.once, op)
		return err
	}
	return c.Err
}

// FailNext makes the next call of op return err
func (c *FakeRemoteClient) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.once[op] = err
}

// Calls returns how many times op was invoked
func (c *FakeRemoteClient) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Get returns nil for missing keys
func (c *FakeRemoteClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("get"); err != nil {
		return nil, err
	}
	v, ok := c.values[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// SetIndexed stores a copy of value and the index field together
func (c *FakeRemoteClient) SetIndexed(_ context.Context, key string, value []byte, index, field, meta string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("setindexed"); err != nil {
		return err
	}
	c.values[key] = append([]byte(nil), value...)
	c.hset(index, field, meta)
	return nil
}

// DelIndexed removes a plain key and its index field together
func (c *FakeRemoteClient) DelIndexed(_ context.Context, key, index, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("delindexed"); err != nil {
		return err
	}
	delete(c.values, key)
	delete(c.hashes[index], field)
	return nil
}

// Del removes plain keys and hashes
func (c *FakeRemoteClient) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("del"); err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.values, k)
		delete(c.hashes, k)
	}
	return nil
}

// Exists reports whether a plain key is present
func (c *FakeRemoteClient) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("exists"); err != nil {
		return false, err
	}
	_, ok := c.values[key]
	return ok, nil
}

// HSet sets one hash field
func (c *FakeRemoteClient) HSet(_ context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("hset"); err != nil {
		return err
	}
	c.hset(key, field, value)
	return nil
}

func (c *FakeRemoteClient) hset(key, field, value string) {
	h, ok := c.hashes[key]
	if !ok {
		h = make(map[string]string)
		c.hashes[key] = h
	}
	h[field] = value
}

// HGet returns one hash field
func (c *FakeRemoteClient) HGet(_ context.Context, key, field string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("hget"); err != nil {
		return "", false, err
	}
	v, ok := c.hashes[key][field]
	return v, ok, nil
}

// HGetAll returns a copy of a hash
func (c *FakeRemoteClient) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin("hgetall"); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(c.hashes[key]))
	for k, v := range c.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// DeleteValue drops a plain key behind the backend's back, simulating
// another process evicting an entry.
func (c *FakeRemoteClient) DeleteValue(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// StaticMonitor is a scheduler.ResourceMonitor returning a fixed sample
type StaticMonitor struct {
	mu    sync.Mutex
	Usage scheduler.ResourceUsage
	Err   error
}

// Sample implements scheduler.ResourceMonitor
func (m *StaticMonitor) Sample(context.Context) (scheduler.ResourceUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Usage, m.Err
}

// Set replaces the sample returned by later calls
func (m *StaticMonitor) Set(u scheduler.ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Usage = u
}
