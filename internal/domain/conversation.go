package domain

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAgent
}

// Turn is a single persisted conversation turn.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

func UserTurn(text string) Turn  { return Turn{Role: RoleUser, Text: text} }
func AgentTurn(text string) Turn { return Turn{Role: RoleAgent, Text: text} }
