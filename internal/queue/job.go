package queue

// OptimizeJob is what we push to Redis Streams. No bytes here; workers
// fetch the original artifact by the task's key.
type OptimizeJob struct {
	TaskID string `json:"task_id"`
}
