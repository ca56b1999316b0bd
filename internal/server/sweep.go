package server

import (
	"fmt"
	"sync"

	"github.com/f-sync/followminer/internal/activity"
)

const (
	activitySweepTaskPrefix      = "sweep-"
	activitySweepStatusRunning   = activitySweepStatus("running")
	activitySweepStatusCompleted = activitySweepStatus("completed")
	activitySweepStatusCancelled = activitySweepStatus("cancelled")
	activitySweepStatusFailed    = activitySweepStatus("failed")
)

// activitySweepStatus represents the lifecycle state of an activity sweep.
type activitySweepStatus string

// activitySweepTask captures state for one background sweep over a list of users.
type activitySweepTask struct {
	identifier string
	usernames  []string
	completed  int
	status     activitySweepStatus
	verdicts   map[string]activity.Verdict
}

// activitySweepSnapshot copies the public portions of a task for serialization.
type activitySweepSnapshot struct {
	Identifier string                      `json:"taskID"`
	Total      int                         `json:"total"`
	Completed  int                         `json:"completed"`
	Status     activitySweepStatus         `json:"status"`
	Verdicts   map[string]activity.Verdict `json:"verdicts"`
	Active     []string                    `json:"active"`
}

// activitySweepTracker tracks running sweeps and the most recent finished ones.
type activitySweepTracker struct {
	mutex        sync.Mutex
	tasks        map[string]*activitySweepTask
	finished     []string
	retained     int
	nextSequence int
}

func newActivitySweepTracker(retained int) *activitySweepTracker {
	return &activitySweepTracker{tasks: make(map[string]*activitySweepTask), retained: retained}
}

// CreateTask registers a sweep over usernames and returns its snapshot.
func (tracker *activitySweepTracker) CreateTask(usernames []string) activitySweepSnapshot {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	tracker.nextSequence++
	task := &activitySweepTask{
		identifier: fmt.Sprintf("%s%d", activitySweepTaskPrefix, tracker.nextSequence),
		usernames:  append([]string(nil), usernames...),
		status:     activitySweepStatusRunning,
		verdicts:   make(map[string]activity.Verdict, len(usernames)),
	}
	tracker.tasks[task.identifier] = task
	return tracker.snapshotTask(task)
}

// RecordVerdict stores the verdict for one user and advances progress.
func (tracker *activitySweepTracker) RecordVerdict(taskIdentifier string, username string, verdict activity.Verdict) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return
	}
	task.verdicts[username] = verdict
	task.completed++
	if task.completed > len(task.usernames) {
		task.completed = len(task.usernames)
	}
}

// CompleteTask transitions a task to its terminal status and evicts the oldest finished tasks beyond the retention bound.
func (tracker *activitySweepTracker) CompleteTask(taskIdentifier string, status activitySweepStatus) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists || task.status != activitySweepStatusRunning {
		return
	}
	task.status = status
	tracker.finished = append(tracker.finished, taskIdentifier)
	for len(tracker.finished) > tracker.retained {
		delete(tracker.tasks, tracker.finished[0])
		tracker.finished = tracker.finished[1:]
	}
}

func (tracker *activitySweepTracker) size() int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	return len(tracker.tasks)
}

// TaskSnapshot returns a copy of the task state.
func (tracker *activitySweepTracker) TaskSnapshot(taskIdentifier string) (activitySweepSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	task, exists := tracker.tasks[taskIdentifier]
	if !exists {
		return activitySweepSnapshot{}, false
	}
	return tracker.snapshotTask(task), true
}

func (tracker *activitySweepTracker) snapshotTask(task *activitySweepTask) activitySweepSnapshot {
	clonedVerdicts := make(map[string]activity.Verdict, len(task.verdicts))
	active := make([]string, 0, len(task.verdicts))
	for _, username := range task.usernames {
		verdict, checked := task.verdicts[username]
		if !checked {
			continue
		}
		clonedVerdicts[username] = verdict
		if verdict.Active {
			active = append(active, username)
		}
	}
	return activitySweepSnapshot{
		Identifier: task.identifier,
		Total:      len(task.usernames),
		Completed:  task.completed,
		Status:     task.status,
		Verdicts:   clonedVerdicts,
		Active:     active,
	}
}
