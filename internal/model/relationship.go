package model

import "time"

type RelationState string

const (
	StateNone      RelationState = "none"
	StatePending   RelationState = "pending"
	StateRequested RelationState = "requested"
	StateAccepted  RelationState = "accepted"
	StateBlocked   RelationState = "blocked"
)

type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

type (
	// Relationship is one user's recorded stance toward another. The pair
	// (Owner, Other) is unique; Version grows by one on every write.
	Relationship struct {
		Owner     UserRef       `bson:"owner" json:"owner"`
		Other     UserRef       `bson:"other" json:"other"`
		State     RelationState `bson:"state" json:"state"`
		Version   uint64        `bson:"version" json:"version"`
		UpdatedAt time.Time     `bson:"updated_at" json:"updatedAt"`
	}

	Profile struct {
		Username string `json:"username"`
	}

	Contact struct {
		UserID  UserRef `json:"userID"`
		Profile Profile `json:"profile"`
	}

	// Contacts is the partitioned view returned by a relationship query.
	Contacts struct {
		Accepted []Contact `json:"accepted"`
		Pending  []Contact `json:"pending"`
		Requests []Contact `json:"requests"`
		Blocked  []Contact `json:"blocked"`
	}
)

func (s RelationState) Valid() bool {
	switch s {
	case StateNone, StatePending, StateRequested, StateAccepted, StateBlocked:
		return true
	}
	return false
}

func (d Decision) Valid() bool {
	return d == DecisionAccept || d == DecisionReject
}

// NewContacts returns a Contacts value whose lists encode as [] rather than null.
func NewContacts() *Contacts {
	return &Contacts{
		Accepted: []Contact{},
		Pending:  []Contact{},
		Requests: []Contact{},
		Blocked:  []Contact{},
	}
}
