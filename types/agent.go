package types

// AgentType identifies the functional role of an agent in the fleet.
type AgentType string

const (
	AgentTypeBusinessAnalyst    AgentType = "business_analyst"
	AgentTypeCodeGenerator      AgentType = "code_generator"
	AgentTypeTestEngineer       AgentType = "test_engineer"
	AgentTypeDeploymentEngineer AgentType = "deployment_engineer"
)

// Valid reports whether the agent type is one of the known fleet roles.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeBusinessAnalyst, AgentTypeCodeGenerator,
		AgentTypeTestEngineer, AgentTypeDeploymentEngineer:
		return true
	}
	return false
}

// AgentTypeValues returns all known agent types.
func AgentTypeValues() []AgentType {
	return []AgentType{
		AgentTypeBusinessAnalyst,
		AgentTypeCodeGenerator,
		AgentTypeTestEngineer,
		AgentTypeDeploymentEngineer,
	}
}
