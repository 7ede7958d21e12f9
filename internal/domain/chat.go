package domain

// ChatMessage is the provider-agnostic chat message shape used by the answer
// providers.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Hints are presentation hints for the child asking the question.
type Hints struct {
	ChildName string
	Age       int
}

// AnswerSource identifies which provider produced a reply.
type AnswerSource string

const (
	SourcePrimary       AnswerSource = "primary"
	SourceSecondary     AnswerSource = "secondary"
	SourceLocalFallback AnswerSource = "local-fallback"
)

// AnswerRequest is what the router hands to every provider. Each provider
// builds its own wire request from it.
type AnswerRequest struct {
	SystemFraming string
	History       []Turn
	Question      string
	Hints         Hints
}
