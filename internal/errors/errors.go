package errors

import (
	"sync"
)

// Collector accumulates warning and error strings reported by concurrent
// tasks. It is safe for concurrent use.
type Collector struct {
	warnings []string
	errors   []string
	mutex    sync.RWMutex
}

// NewCollector creates a new collector
func NewCollector() *Collector {
	return &Collector{
		warnings: make([]string, 0),
		errors:   make([]string, 0),
	}
}

// AddWarnings appends warning messages, skipping empty strings.
func (c *Collector) AddWarnings(msgs ...string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, m := range msgs {
		if m != "" {
			c.warnings = append(c.warnings, m)
		}
	}
}

// AddErrors appends error messages, skipping empty strings.
func (c *Collector) AddErrors(msgs ...string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, m := range msgs {
		if m != "" {
			c.errors = append(c.errors, m)
		}
	}
}

// AddError appends err's message. Nil is ignored.
func (c *Collector) AddError(err error) {
	if err == nil {
		return
	}
	c.AddErrors(err.Error())
}

// Warnings returns a copy of the collected warnings
func (c *Collector) Warnings() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// Errors returns a copy of the collected errors
func (c *Collector) Errors() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	result := make([]string, len(c.errors))
	copy(result, c.errors)
	return result
}

// HasErrors returns true if there are any errors
func (c *Collector) HasErrors() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.errors) > 0
}

// Clear clears all messages
func (c *Collector) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.warnings = c.warnings[:0]
	c.errors = c.errors[:0]
}
