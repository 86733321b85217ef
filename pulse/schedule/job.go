// Package schedule evaluates cron schedules and emits trigger messages for
// workflows that are due.
package schedule

import "time"

// Schedule runs a workflow on a cron expression in a timezone
type Schedule struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflowId"`
	CronExpression  string     `json:"cronExpression"`
	Timezone        string     `json:"timezone"`
	Active          bool       `json:"active"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TriggerTypeSchedule is the trigger type of every message the dispatcher emits
const TriggerTypeSchedule = "schedule"

// TriggerMessage asks the execution queue to run a workflow.
type TriggerMessage struct {
	WorkflowID  string    `json:"workflowId"`
	ScheduleID  string    `json:"scheduleId"`
	TriggerTime time.Time `json:"triggerTime"`
	TriggerType string    `json:"triggerType"`
}

// Attributes are the routing attributes sent alongside a message
type Attributes map[string]string

// NewTriggerMessage builds the message for a due schedule at now
func NewTriggerMessage(s *Schedule, now time.Time) TriggerMessage {
	return TriggerMessage{
		WorkflowID:  s.WorkflowID,
		ScheduleID:  s.ID,
		TriggerTime: now.UTC(),
		TriggerType: TriggerTypeSchedule,
	}
}

// Attributes returns the message's routing attributes
func (m TriggerMessage) Attributes() Attributes {
	return Attributes{
		"TriggerType": m.TriggerType,
		"WorkflowId":  m.WorkflowID,
	}
}
