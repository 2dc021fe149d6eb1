package database

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const maxBatchSize = 256

// WriteBuffer batches link events and writes them from a background goroutine so
// recording never blocks a session.
type WriteBuffer struct {
	db       *DB
	interval time.Duration
	events   chan LinkEvent
	flushReq chan chan error
	stop     chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
	wg        sync.WaitGroup
}

// NewWriteBuffer starts a buffer that flushes every interval or when a batch fills
func NewWriteBuffer(db *DB, interval time.Duration, capacity int) *WriteBuffer {
	wb := &WriteBuffer{
		db:       db,
		interval: interval,
		events:   make(chan LinkEvent, capacity),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
	}
	wb.wg.Add(1)
	go wb.run()
	return wb
}

// Add queues an event. Returns false if the buffer is full or closed.
func (wb *WriteBuffer) Add(ev LinkEvent) bool {
	if wb.closed.Load() {
		return false
	}
	select {
	case wb.events <- ev:
		return true
	default:
		n := wb.dropped.Add(1)
		log.Printf("Link event buffer full, dropped %d events so far", n)
		return false
	}
}

// Flush writes everything queued so far and waits for it
func (wb *WriteBuffer) Flush() error {
	if wb.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	select {
	case wb.flushReq <- reply:
	case <-wb.stop:
		return ErrClosed
	}
	return <-reply
}

// Dropped returns how many events were discarded because the buffer was full
func (wb *WriteBuffer) Dropped() int64 {
	return wb.dropped.Load()
}

// Close writes remaining events and stops the background goroutine
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		wb.closed.Store(true)
		close(wb.stop)
		wb.wg.Wait()
	})
}

func (wb *WriteBuffer) run() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.interval)
	defer ticker.Stop()

	batch := make([]LinkEvent, 0, maxBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := wb.db.insertLinkEvents(batch)
		if err != nil {
			log.Printf("Failed to write %d link events: %v", len(batch), err)
		}
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case ev := <-wb.events:
				batch = append(batch, ev)
				if len(batch) >= maxBatchSize {
					flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case ev := <-wb.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case reply := <-wb.flushReq:
			drain()
			reply <- flush()
		case <-wb.stop:
			drain()
			flush()
			return
		}
	}
}
