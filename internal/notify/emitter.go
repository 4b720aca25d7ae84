package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Emitter 把状态事件延迟固定间隔后发布到 Transport。
//
// 统一延迟（而非只延迟首条）给刚创建、还没来得及订阅的观察者留出附着
// 窗口，同时保持事件之间的相对顺序。这是一个已知的启发式行为，不是
// 送达保证。
type Emitter struct {
	transport Transport
	delay     time.Duration
	queue     chan timedEvent
	done      chan struct{}
	closeOnce sync.Once
	logger    *logrus.Logger
	now       func() time.Time
	sleep     func(time.Duration)
}

type timedEvent struct {
	event Event
	at    time.Time
}

// NewEmitter 构造 Emitter 并启动单个发布 worker，顺序消费保证先进先出。
func NewEmitter(transport Transport, delay time.Duration, logger *logrus.Logger) *Emitter {
	e := &Emitter{
		transport: transport,
		delay:     delay,
		queue:     make(chan timedEvent, 64),
		done:      make(chan struct{}),
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	go e.run()
	return e
}

// Emit 异步发布事件。队列已满时丢弃并记日志，通知失败绝不影响主流程。
func (e *Emitter) Emit(event Event) {
	select {
	case e.queue <- timedEvent{event: event, at: e.now()}:
	default:
		if e.logger != nil {
			e.logger.WithFields(logrus.Fields{
				"action": "notify",
				"type":   string(event.Type),
			}).Warn("notify_queue_full")
		}
	}
}

// Close 停止 worker；已入队的事件会先发布完。重复调用安全，
// 后续调用只等待首次关闭完成。
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.queue)
	})
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for item := range e.queue {
		if remaining := e.delay - e.now().Sub(item.at); remaining > 0 {
			e.sleep(remaining)
		}
		e.transport.Publish(item.event)
	}
}
