package types

import "time"

// QueueSnapshot is the queue view for one department
type QueueSnapshot struct {
	Department      string  `json:"department"`
	Name            string  `json:"name,omitempty"`
	Queued          int     `json:"queued"`
	Ready           int     `json:"ready"`
	OnlineAgents    int     `json:"onlineAgents"`
	AvailableAgents int     `json:"availableAgents"`
	LongestWaitSecs float64 `json:"longestWaitSecs"`

	ServiceLevel *ServiceLevel  `json:"serviceLevel,omitempty"`
	Activity     *QueueActivity `json:"activity,omitempty"`
}

// QueueActivity counts lifecycle events since the previous snapshot
type QueueActivity struct {
	Started     int `json:"started"`
	Queued      int `json:"queued"`
	Taken       int `json:"taken"`
	Closed      int `json:"closed"`
	Transferred int `json:"transferred"`
}

// ServiceLevel reports how many taken inquiries were answered within the threshold
type ServiceLevel struct {
	Target        int     `json:"target"`
	ThresholdSecs int     `json:"thresholdSecs"`
	AnsweredInSL  int     `json:"answeredInSL"`
	TotalAnswered int     `json:"totalAnswered"`
	CurrentSL     float64 `json:"currentSL"`
}

// Snapshot is the payload sent to dashboards every tick
type Snapshot struct {
	Type      string          `json:"type"` // always "snapshot"
	Timestamp time.Time       `json:"timestamp"`
	Queues    []QueueSnapshot `json:"queues"`
}
