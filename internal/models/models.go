package models

import "time"

// QueueItem represents one mission tracked by the queue, from enqueue to a
// terminal state. The server is the source of truth; the client never mutates
// an item locally.
type QueueItem struct {
	ID              string    `json:"id"`
	MissionName     string    `json:"missionName"`
	Status          Status    `json:"status"`
	Priority        int       `json:"priority"` // 1 = Critical .. 5 = Lowest
	QueuePosition   int       `json:"queuePosition,omitempty"`
	AssignedRobotID string    `json:"assignedRobotId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	WaitTimeSeconds float64   `json:"waitTimeSeconds"`
	RetryCount      int       `json:"retryCount"`
	MaxRetries      int       `json:"maxRetries"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// QueueStatistics holds server-computed aggregates, replaced wholesale on fetch.
type QueueStatistics struct {
	TotalQueued            int     `json:"totalQueued"`
	TotalProcessing        int     `json:"totalProcessing"`
	TotalAssigned          int     `json:"totalAssigned"`
	TotalCompleted         int     `json:"totalCompleted"`
	TotalFailed            int     `json:"totalFailed"`
	TotalCancelled         int     `json:"totalCancelled"`
	AverageWaitTimeSeconds float64 `json:"averageWaitTimeSeconds"`
	SuccessRate            float64 `json:"successRate"`
}

// EnqueueRequest asks the server to add a mission to the queue. Priority zero
// means "server default". The server alone decides queue position.
type EnqueueRequest struct {
	MissionCode       string   `json:"missionCode"`
	RequestID         string   `json:"requestId"`
	MissionName       string   `json:"missionName"`
	MissionPayload    string   `json:"missionPayload"`
	Priority          int      `json:"priority,omitempty"`
	RobotTypeFilter   string   `json:"robotTypeFilter,omitempty"`
	PreferredRobotIDs []string `json:"preferredRobotIds,omitempty"`
}

// CancelMode selects how aggressively the server aborts a mission.
type CancelMode string

const (
	// CancelForce aborts unconditionally.
	CancelForce CancelMode = "FORCE"
	// CancelNormal defers if the mission is already dispatched to hardware.
	CancelNormal CancelMode = "NORMAL"
	// CancelRedirectStart lets an in-flight robot finish its current leg first.
	CancelRedirectStart CancelMode = "REDIRECT_START"
)

// Priority constants, lower is more urgent.
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
	PriorityLowest   = 5
)
