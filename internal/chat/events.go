// Package chat drives a single chat turn: it runs the research agent for a
// session, streams ordered events to the client and stores the result in the
// research registry.
package chat

import (
	"time"

	"github.com/ashureev/gene-analysis/internal/agent"
	"github.com/ashureev/gene-analysis/internal/domain"
)

// Event names on the stream.
const (
	EventMessage         = "message"
	EventStoring         = "storing"
	EventBlockchain      = "blockchain"
	EventBlockchainError = "blockchain_error"
	EventDone            = "done"
	EventError           = "error"
)

// Turn statuses.
const (
	StatusCompleted                  = "completed"
	StatusCompletedWithoutBlockchain = "completed_without_blockchain"
	StatusStoring                    = "storing_to_blockchain"
	StatusError                      = "error"
)

// Client-facing messages.
const (
	msgStart         = "Biomni agent 실행 중... 유전자 분석을 시작합니다."
	msgEmptyResult   = "연구 결과를 생성하지 못했습니다. 다시 시도해주세요."
	msgAgentFailed   = "에이전트 실행 중 오류가 발생했습니다: "
	msgStoring       = "연구 결과를 블록체인에 저장하는 중..."
	msgSessionLookup = "Session not found"
)

// MinStoredResultLength is the shortest trimmed final answer, in characters,
// worth storing on chain.
const MinStoredResultLength = 10

// Request is one chat turn as sent by the client.
type Request struct {
	SessionID   string        `json:"session_id"`
	Message     string        `json:"message"`
	UserAddress string        `json:"user_address"`
	Config      *agent.Config `json:"config,omitempty"`

	// Channel names the transport for conversation logs.
	Channel string `json:"-"`
}

// StatusEvent is the payload of storing and done events.
type StatusEvent struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorEvent is the payload of error and blockchain_error events.
type ErrorEvent struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Emitter delivers named events to one client. Emit returns an error once the
// client is gone.
type Emitter interface {
	Emit(event string, data any) error
}

func now() string {
	return domain.Timestamp(time.Now())
}
