package admission

import "time"

// senderQueue is the FIFO of tasks deferred behind a sender's concurrency cap.
type senderQueue struct {
	tasks []*Task
}

// dropStale removes tasks older than timeout from the head onward. Returns how many were dropped.
func (q *senderQueue) dropStale(now time.Time, timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	kept := q.tasks[:0]
	dropped := 0
	for _, t := range q.tasks {
		if now.Sub(t.CreatedAt) > timeout {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.tasks); i++ {
		q.tasks[i] = nil
	}
	q.tasks = kept
	return dropped
}

func (q *senderQueue) push(t *Task) { q.tasks = append(q.tasks, t) }

func (q *senderQueue) pop() *Task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return t
}

func (q *senderQueue) len() int { return len(q.tasks) }
