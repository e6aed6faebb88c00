// timer/timer.go
package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/wfunc/knighttour/logger"
)

// Task 一个周期任务
type Task struct {
	ID       int64
	Name     string
	Next     time.Time
	Interval time.Duration
	Callback func()
	index    int
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].Next.Before(q[j].Next)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[0 : n-1]
	return task
}

// Scheduler runs housekeeping jobs (idle session sweeps, periodic resyncs)
// off a min-heap ordered by next run time.
type Scheduler struct {
	queue  taskQueue
	mutex  sync.Mutex
	nextID int64
	tick   time.Duration
	wg     sync.WaitGroup
}

func NewScheduler(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	s := &Scheduler{tick: tick, nextID: 1}
	heap.Init(&s.queue)
	return s
}

// Every schedules fn every interval, first after one interval. A
// non-positive interval schedules nothing and returns 0.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) int64 {
	if interval <= 0 {
		return 0
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	task := &Task{
		ID:       s.nextID,
		Name:     name,
		Next:     time.Now().Add(interval),
		Interval: interval,
		Callback: fn,
	}
	s.nextID++
	heap.Push(&s.queue, task)
	return task.ID
}

func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.queue.Len()
}

// due returns every task whose time has come and reschedules each one.
func (s *Scheduler) due(now time.Time) []*Task {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var ready []*Task
	for s.queue.Len() > 0 {
		task := s.queue[0]
		if task.Next.After(now) {
			break
		}
		ready = append(ready, task)
		task.Next = now.Add(task.Interval)
		heap.Fix(&s.queue, 0)
	}
	return ready
}

// Run fires due tasks until ctx ends, then waits for running callbacks.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, task := range s.due(now) {
				s.wg.Add(1)
				go s.fire(task)
			}
		}
	}
}

func (s *Scheduler) fire(task *Task) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Errorw("scheduled task panicked", "task", task.Name, "panic", r)
		}
	}()
	task.Callback()
}
