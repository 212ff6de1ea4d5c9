package domain

import (
	"time"
)

// AgentType names a kind of placeholder assistant.
type AgentType string

const (
	AgentTypeChat     AgentType = "chat"
	AgentTypeCoding   AgentType = "coding"
	AgentTypeResearch AgentType = "research"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeChat, AgentTypeCoding, AgentTypeResearch:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentRunning      AgentStatus = "running"
	AgentError        AgentStatus = "error"
	AgentTerminated   AgentStatus = "terminated"
)

// CanTransition reports whether moving from s to next is allowed. An agent
// still initializing may be terminated before it settles.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	switch s {
	case AgentInitializing:
		return next == AgentRunning || next == AgentError || next == AgentTerminated
	case AgentRunning, AgentError:
		return next == AgentTerminated
	}
	return false
}

// Agent is a spawned placeholder assistant instance.
type Agent struct {
	ID           string         `json:"id"`
	Type         AgentType      `json:"type"`
	Status       AgentStatus    `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	ClientIP     string         `json:"clientIp,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AgentStats summarizes the live agent set.
type AgentStats struct {
	Total    int                 `json:"total"`
	ByStatus map[AgentStatus]int `json:"byStatus"`
	ByType   map[AgentType]int   `json:"byType"`
}
