// Package notify delivers desktop notifications without ever blocking
// the caller.
package notify

import (
	"log/slog"
	"sync"

	"github.com/gen2brain/beeep"
)

const queueDepth = 16

type message struct {
	title string
	body  string
}

// Notifier queues desktop notifications onto a single background
// goroutine. Notify never blocks; when the queue is full the
// notification is logged and dropped.
type Notifier struct {
	queue chan message
	log   *slog.Logger
	once  sync.Once
	done  chan struct{}
}

// New creates a notifier. log may be nil.
func New(log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{
		queue: make(chan message, queueDepth),
		log:   log,
		done:  make(chan struct{}),
	}
	go n.loop()
	return n
}

// Notify queues a desktop notification.
func (n *Notifier) Notify(title, body string) {
	select {
	case n.queue <- message{title: title, body: body}:
	default:
		n.log.Warn("notification queue full, dropping", "title", title, "body", body)
	}
}

// Close stops the background goroutine. Queued notifications are
// discarded.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.done) })
}

func (n *Notifier) loop() {
	for {
		select {
		case <-n.done:
			return
		case msg := <-n.queue:
			if err := beeep.Notify(msg.title, msg.body, ""); err != nil {
				// Fall back to the log so the message is not lost.
				n.log.Info("notification", "title", msg.title, "body", msg.body, "error", err)
			}
		}
	}
}
