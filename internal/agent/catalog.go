package agent

import "github.com/ashureev/myopenclawagent/internal/domain"

// TypeInfo describes an agent type offered to clients.
type TypeInfo struct {
	ID          domain.AgentType `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
}

var catalog = []TypeInfo{
	{ID: domain.AgentTypeChat, Name: "Chat Agent", Description: "General conversation agent"},
	{ID: domain.AgentTypeCoding, Name: "Coding Agent", Description: "Software development assistant"},
	{ID: domain.AgentTypeResearch, Name: "Research Agent", Description: "Web research and analysis"},
}

// Types returns the catalog of spawnable agent types.
func Types() []TypeInfo {
	return append([]TypeInfo(nil), catalog...)
}
