package bot

import (
	"context"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type queuedUpdate struct {
	ctx    context.Context
	update tgbotapi.Update
}

// dispatcher runs updates of one chat in arrival order on a single worker,
// while different chats proceed in parallel. A chat's worker exits once its
// queue is empty.
type dispatcher struct {
	handle func(ctx context.Context, update tgbotapi.Update)

	mu      sync.Mutex
	queues  map[int64][]queuedUpdate
	workers sync.WaitGroup
}

func newDispatcher(handle func(ctx context.Context, update tgbotapi.Update)) *dispatcher {
	return &dispatcher{
		handle: handle,
		queues: make(map[int64][]queuedUpdate),
	}
}

func (d *dispatcher) enqueue(ctx context.Context, update tgbotapi.Update) {
	key := chatKey(update)

	d.mu.Lock()
	q, running := d.queues[key]
	d.queues[key] = append(q, queuedUpdate{ctx: ctx, update: update})
	if !running {
		d.workers.Add(1)
	}
	d.mu.Unlock()

	if !running {
		go d.drain(key)
	}
}

func (d *dispatcher) drain(key int64) {
	defer d.workers.Done()
	for {
		d.mu.Lock()
		q := d.queues[key]
		if len(q) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.queues[key] = q[1:]
		d.mu.Unlock()

		d.handle(next.ctx, next.update)
	}
}

// wait blocks until every queued update has been handled.
func (d *dispatcher) wait() {
	d.workers.Wait()
}

func chatKey(update tgbotapi.Update) int64 {
	switch {
	case update.Message != nil && update.Message.Chat != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil && update.CallbackQuery.Message.Chat != nil:
		return update.CallbackQuery.Message.Chat.ID
	}
	return 0
}
