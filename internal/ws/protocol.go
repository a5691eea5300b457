package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trna-workbench/backend/internal/model"
)

// MessageType is the tag of a protocol message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeAuth  MessageType = "auth"
	MessageTypeQuery MessageType = "query"

	// Server -> Client message types
	MessageTypeFullState    MessageType = "full-state"
	MessageTypeRecordUpdate MessageType = "record-update"
	MessageTypeClearNotice  MessageType = "clear-notice"
	MessageTypeAuthResult   MessageType = "auth-result"
	MessageTypeError        MessageType = "error"
	MessageTypeResponse     MessageType = "response"
)

// Auth failure reasons sent in auth-result messages.
const (
	ReasonInvalidSecret = "invalid secret"
	ReasonInvalidToken  = "invalid token"
	ReasonTokenExpired  = "token expired"
)

var errMalformed = errors.New("malformed message")

// Inbound is a message received from a client.
type Inbound struct {
	Type    MessageType `json:"type"`
	Secret  string      `json:"secret,omitempty"`
	Token   string      `json:"token,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ParseInbound decodes and validates a client message.
func ParseInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch msg.Type {
	case MessageTypeAuth:
	case MessageTypeQuery:
		if msg.Message == "" {
			return nil, fmt.Errorf("%w: query message is empty", errMalformed)
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", errMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", errMalformed, msg.Type)
	}
	return &msg, nil
}

// FullStateMessage carries every record. Records is always an array.
type FullStateMessage struct {
	Type    MessageType             `json:"type"`
	Records []*model.SequenceRecord `json:"records"`
}

// RecordUpdateMessage carries one changed record.
type RecordUpdateMessage struct {
	Type   MessageType           `json:"type"`
	ID     string                `json:"id"`
	Record *model.SequenceRecord `json:"record"`
}

// ClearNoticeMessage tells clients to drop their state.
type ClearNoticeMessage struct {
	Type MessageType `json:"type"`
}

// AuthResultMessage answers an authentication attempt.
type AuthResultMessage struct {
	Type      MessageType `json:"type"`
	Success   bool        `json:"success"`
	Token     string      `json:"token,omitempty"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// TextMessage is used for the error and response kinds.
type TextMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// EncodeFullState encodes a full-state message.
func EncodeFullState(records []*model.SequenceRecord) ([]byte, error) {
	if records == nil {
		records = []*model.SequenceRecord{}
	}
	return json.Marshal(FullStateMessage{Type: MessageTypeFullState, Records: records})
}

// EncodeRecordUpdate encodes a record-update message.
func EncodeRecordUpdate(rec *model.SequenceRecord) ([]byte, error) {
	return json.Marshal(RecordUpdateMessage{Type: MessageTypeRecordUpdate, ID: rec.ID, Record: rec})
}

// EncodeClearNotice encodes a clear-notice message.
func EncodeClearNotice() ([]byte, error) {
	return json.Marshal(ClearNoticeMessage{Type: MessageTypeClearNotice})
}

// EncodeAuthSuccess encodes a successful auth-result.
func EncodeAuthSuccess(token string, expiresAt time.Time) ([]byte, error) {
	return json.Marshal(AuthResultMessage{Type: MessageTypeAuthResult, Success: true, Token: token, ExpiresAt: &expiresAt})
}

// EncodeAuthFailure encodes a failed auth-result.
func EncodeAuthFailure(reason string) ([]byte, error) {
	return json.Marshal(AuthResultMessage{Type: MessageTypeAuthResult, Reason: reason})
}

// EncodeError encodes an error message.
func EncodeError(message string) ([]byte, error) {
	return json.Marshal(TextMessage{Type: MessageTypeError, Message: message})
}

// EncodeResponse encodes a query response.
func EncodeResponse(message string) ([]byte, error) {
	return json.Marshal(TextMessage{Type: MessageTypeResponse, Message: message})
}
