package plana

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var ErrChatRequestTooOld = errors.New("request too old")

// ChatRequestQueue is the interface between incoming discord messages
// and the worker that sends them upstream
type ChatRequestQueue interface {
	Pop(context.Context) *ChatRequest
	Push(ctx context.Context, req *ChatRequest, db DBI) error
	Len() int
	Clear(context.Context) error
}

// ChatRequestMemoryQueue is an in-memory FIFO queue of pending chat
// requests, ordered by creation time. Requests older than the
// configured max age are discarded on the way out.
type ChatRequestMemoryQueue struct {
	queue  *requestHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
	db     DBI

	// onDiscard is invoked for requests that leave the queue without
	// being handled (aborted, expired, or otherwise dropped), so the
	// owner can release any per-request state
	onDiscard func(*ChatRequest)
}

func NewChatRequestQueue(
	config *QueueConfig,
	logger *slog.Logger,
) *ChatRequestMemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ChatRequestMemoryQueue{
		queue:  &requestHeap{},
		logger: logger,
		config: config,
	}
	heap.Init(q.queue)
	return q
}

func (u *ChatRequestMemoryQueue) Clear(_ context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queue = &requestHeap{}
	heap.Init(u.queue)
	return nil
}

func (u *ChatRequestMemoryQueue) discard(req *ChatRequest) {
	if u.onDiscard != nil {
		u.onDiscard(req)
	}
}

func (u *ChatRequestMemoryQueue) popNext() *ChatRequest {
	if u.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(u.queue).(*ChatRequest)
}

// Pop returns the oldest queued request that hasn't expired and whose
// user isn't ignored, or nil when the queue is empty
func (u *ChatRequestMemoryQueue) Pop(ctx context.Context) *ChatRequest {
	u.mu.Lock()
	defer u.mu.Unlock()

	for {
		req := u.popNext()
		if req == nil {
			return nil
		}

		logger := u.logger.With("chat_request", req)

		if u.config.MaxAge > 0 {
			reqAge := req.Age()
			if reqAge > u.config.MaxAge {
				req.State = ChatRequestStateExpired
				logger.WarnContext(
					ctx,
					"discarded old request",
					"max_age", u.config.MaxAge,
					"request_age", reqAge,
				)
				u.updateState(ctx, logger, req, ChatRequestStateExpired)
				u.discard(req)
				continue
			}
		}

		if req.User != nil && req.User.Ignored {
			logger.WarnContext(ctx, "ignoring blocked user request")
			u.updateState(ctx, logger, req, ChatRequestStateAborted)
			u.discard(req)
			continue
		}

		if req.State != ChatRequestStateQueued {
			logger.WarnContext(
				ctx,
				fmt.Sprintf(
					"expected state '%s', got: '%s'",
					ChatRequestStateQueued,
					req.State,
				),
			)
			u.discard(req)
			continue
		}

		logger.InfoContext(
			ctx,
			"popped request",
			"queue_size", u.queue.Len(),
		)
		return req
	}
}

func (u *ChatRequestMemoryQueue) updateState(
	ctx context.Context,
	logger *slog.Logger,
	req *ChatRequest,
	state ChatRequestState,
) {
	if u.db == nil {
		return
	}
	if _, err := u.db.Update(
		ctx,
		req,
		columnChatRequestState,
		state,
	); err != nil {
		logger.ErrorContext(
			ctx,
			"failed to update request state",
			tint.Err(err),
		)
	}
}

func (u *ChatRequestMemoryQueue) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.queue.Len()
}

// Push enqueues a request, persisting it as queued. When the queue is
// full, the oldest pending request is aborted to make room.
func (u *ChatRequestMemoryQueue) Push(
	ctx context.Context,
	req *ChatRequest,
	db DBI,
) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.db == nil {
		u.db = db
	}

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = u.logger.With("chat_request", req)
		ctx = WithLogger(ctx, logger)
	}

	if u.config.Size > 0 && u.queue.Len() >= u.config.Size {
		oldestReq := u.popNext()
		if oldestReq != nil {
			logger.WarnContext(
				ctx,
				"queue full, aborting oldest request",
				"dropped_request", oldestReq,
				"max_size", u.config.Size,
			)
			if _, err := db.Update(
				ctx,
				oldestReq,
				columnChatRequestState,
				ChatRequestStateAborted,
			); err != nil {
				logger.Error("failed to update request", tint.Err(err))
			}
			u.discard(oldestReq)
		}
	}

	// using Save() instead of Update() here because the update will fail
	// given a zero value primary key
	req.State = ChatRequestStateQueued
	if _, err := db.Save(ctx, req); err != nil {
		logger.Error(
			fmt.Sprintf(
				"failed to update request state to: %q",
				ChatRequestStateQueued.String(),
			),
			tint.Err(err),
		)
		return err
	}

	reqAge := req.Age()
	if u.config.MaxAge > 0 && reqAge > u.config.MaxAge {
		req.State = ChatRequestStateExpired
		logger.Warn(
			"discarding old request",
			"max_age", u.config.MaxAge,
			"request_age", reqAge,
		)
		if _, err := db.Update(
			ctx,
			req,
			columnChatRequestState,
			ChatRequestStateExpired,
		); err != nil {
			logger.Error("failed to update expired request", tint.Err(err))
		}
		return fmt.Errorf("%w: (age: %s)", ErrChatRequestTooOld, reqAge)
	}

	heap.Push(u.queue, req)
	logger.Info(
		"queued user request",
		"prompt", req.Prompt,
	)
	return nil
}

// requestHeap orders pending requests oldest-first
type requestHeap []*ChatRequest

func (pq requestHeap) Len() int {
	return len(pq)
}

func (pq requestHeap) Less(i, j int) bool {
	return pq[i].CreatedAt < pq[j].CreatedAt
}

func (pq requestHeap) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *requestHeap) Push(x any) {
	n := len(*pq)
	item := x.(*ChatRequest)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *requestHeap) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}

// nextRequestAvailable returns the time when the next chat request is
// allowed and a bool indicating whether one is allowed immediately,
// given the user's prior request times. Limit is the maximum number of
// requests, timespan is the duration in which the limit is enforced,
// and currentTime is the reference point for the end of the span.
func nextRequestAvailable(
	requests []time.Time,
	limit int,
	timespan time.Duration,
	currentTime time.Time,
) (time.Time, bool) {
	if limit <= 0 {
		panic("limit must be greater than 0")
	}
	if len(requests) == 0 {
		return currentTime, true
	}

	startTS := currentTime.Add(-timespan)

	requestsInWindow := make([]time.Time, 0, len(requests))
	for _, r := range requests {
		if r.Before(startTS) {
			continue
		}
		requestsInWindow = append(requestsInWindow, r)
	}
	ct := len(requestsInWindow)
	if ct < limit {
		return currentTime, true
	}

	slices.SortFunc(
		requestsInWindow, func(a, b time.Time) int {
			return cmp.Compare(a.UnixMilli(), b.UnixMilli())
		},
	)
	return requestsInWindow[ct-limit].Add(timespan), false
}
