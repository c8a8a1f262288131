// Package models defines core data structures for CollectPipe: debtors, their
// conversation history, collection strategies, campaigns, and API envelopes.
package models

import (
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message is one entry of a debtor's ordered conversation history.
// Seq starts at 1 for each debtor and increases without gaps.
type Message struct {
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Debtor is a person owing money, identified by (OwnerID, Phone).
type Debtor struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Phone          string         `json:"phone"`
	State          State          `json:"state"`
	DatasetID      string         `json:"dataset_id,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	StateUpdatedAt time.Time      `json:"state_updated_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Key is the per-debtor serialization key.
func (d *Debtor) Key() string {
	return DebtorKey(d.OwnerID, d.Phone)
}

// DebtorKey builds the serialization key for an owner and a normalized phone.
func DebtorKey(ownerID, phone string) string {
	return ownerID + ":" + phone
}

// Strategy is a collection playbook: the campaign opener and per-state rules.
type Strategy struct {
	ID            string           `json:"id" yaml:"id"`
	OwnerID       string           `json:"owner_id" yaml:"owner_id"`
	Name          string           `json:"name" yaml:"name"`
	InitialPrompt string           `json:"initial_prompt" yaml:"initial_prompt"`
	RulesByState  map[State]string `json:"rules_by_state,omitempty" yaml:"rules_by_state"`
	CreatedAt     time.Time        `json:"created_at" yaml:"-"`
}

// CampaignStatus is the lifecycle status of a campaign.
type CampaignStatus string

const (
	CampaignInactive CampaignStatus = "inactive"
	CampaignActive   CampaignStatus = "active"
	CampaignFinished CampaignStatus = "finished"
)

// Campaign binds a strategy to a dataset of debtors.
type Campaign struct {
	ID           string         `json:"id" yaml:"id"`
	OwnerID      string         `json:"owner_id" yaml:"owner_id"`
	Name         string         `json:"name" yaml:"name"`
	StrategyID   string         `json:"strategy_id" yaml:"strategy_id"`
	DatasetID    string         `json:"dataset_id" yaml:"dataset_id"`
	Status       CampaignStatus `json:"status" yaml:"status"`
	LastThrownAt *time.Time     `json:"last_thrown_at,omitempty" yaml:"-"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
}

// Dataset is a named group of imported debtors.
type Dataset struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DispatchError records why one debtor of a campaign did not receive the opener.
type DispatchError struct {
	DebtorID string `json:"debtor_id"`
	Phone    string `json:"phone"`
	Error    string `json:"error"`
}

// DispatchReport summarizes a campaign throw.
type DispatchReport struct {
	CampaignID string          `json:"campaign_id"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
	Errors     []DispatchError `json:"errors"`
}

// InboundTask is the durable payload of one received chat message.
type InboundTask struct {
	OwnerID    string    `json:"owner_id"`
	Phone      string    `json:"phone"`
	Body       string    `json:"body"`
	MessageID  string    `json:"message_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
