// Package channel hands applied order book updates from the streaming core
// to slower consumers without ever blocking the dispatcher.
package channel

import (
	"context"
	"sync"

	"cryptostream/internal/metrics"
	"cryptostream/logger"
	"cryptostream/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Books is a bounded channel of book updates. It implements stream.BookSink.
type Books struct {
	name string
	ch   chan models.BookUpdate

	mu     sync.RWMutex
	closed bool

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Entry
}

func NewBooks(name string, bufferSize int) *Books {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	c := &Books{
		name: name,
		ch:   make(chan models.BookUpdate, bufferSize),
		log:  logger.GetLogger().WithComponent("book_channel").WithFields(logger.Fields{"channel": name}),
	}
	c.log.WithFields(logger.Fields{"buffer_size": bufferSize}).Info("book channel initialized")
	return c
}

func (c *Books) Name() string { return c.name }

// C is the receive side; it is closed by Close.
func (c *Books) C() <-chan models.BookUpdate { return c.ch }

func (c *Books) Len() int { return len(c.ch) }

func (c *Books) Cap() int { return cap(c.ch) }

// Publish enqueues u, dropping it when the buffer is full or the channel is
// closed.
func (c *Books) Publish(u models.BookUpdate) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- u:
		c.incrementSent()
		logger.RecordChannelMessage(c.name, len(u.Bids)+len(u.Asks))
		return true
	default:
		c.incrementDropped()
		metrics.ChannelDrop(c.name, u.Venue)
		c.log.WithFields(logger.Fields{"venue": u.Venue, "symbol": u.Symbol}).Debug("book channel full, dropping update")
		return false
	}
}

// Send enqueues u, waiting for room until ctx is done.
func (c *Books) Send(ctx context.Context, u models.BookUpdate) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- u:
		c.incrementSent()
		logger.RecordChannelMessage(c.name, len(u.Bids)+len(u.Asks))
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Books) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
	stats := c.GetStats()
	c.log.WithFields(logger.Fields{"sent": stats.Sent, "dropped": stats.Dropped}).Info("book channel closed")
}

func (c *Books) incrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Books) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Books) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
