package models

import (
	"time"

	"gorm.io/gorm"
)

// QueryRetrieveRoot selects which C-FIND/C-MOVE/C-GET information model a
// node is queried under.
type QueryRetrieveRoot string

const (
	QueryRetrieveRootStudy   QueryRetrieveRoot = "STUDY"
	QueryRetrieveRootPatient QueryRetrieveRoot = "PATIENT"
)

// PACSNode is the immutable-per-record descriptor for a remote PACS,
// keyed by Name. At most one record has IsDefault = true.
type PACSNode struct {
	Name                 string            `gorm:"type:varchar(255);primaryKey" json:"name"`
	AETitle              string            `gorm:"type:varchar(16);not null" json:"aeTitle"`
	Hostname             string            `gorm:"type:varchar(255);not null" json:"hostname"`
	Port                 int               `gorm:"not null" json:"port"`
	ConnectTimeoutMs     int               `gorm:"not null;default:5000" json:"connectTimeoutMs"`
	ResponseTimeoutMs    int               `gorm:"not null;default:30000" json:"responseTimeoutMs"`
	AssociationTimeoutMs int               `gorm:"not null;default:300000" json:"associationTimeoutMs"`
	QueryRetrieveRoot    QueryRetrieveRoot `gorm:"type:varchar(16);not null;default:STUDY" json:"queryRetrieveRoot"`
	IsDefault            bool              `gorm:"not null;default:false" json:"isDefault"`

	LastConnectionTest   *time.Time `json:"lastConnectionTest,omitempty"`
	LastConnectionStatus bool       `json:"lastConnectionStatus,omitempty"`
	LastError            string     `gorm:"type:text" json:"lastError,omitempty"`

	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (PACSNode) TableName() string { return "pacs_nodes" }

// PACSNodeRequest is the HTTP payload for creating/updating a node.
type PACSNodeRequest struct {
	Name                 string            `json:"name"`
	AETitle              string            `json:"aeTitle"`
	Hostname             string            `json:"hostname"`
	Port                 int               `json:"port"`
	ConnectTimeoutMs     int               `json:"connectTimeoutMs"`
	ResponseTimeoutMs    int               `json:"responseTimeoutMs"`
	AssociationTimeoutMs int               `json:"associationTimeoutMs"`
	QueryRetrieveRoot    QueryRetrieveRoot `json:"queryRetrieveRoot"`
	IsDefault            bool              `json:"isDefault"`
}

// ConnectionStatus is the result of a C-ECHO connection test.
type ConnectionStatus struct {
	IsConnected  bool      `json:"isConnected"`
	LastChecked  time.Time `json:"lastChecked"`
	ResponseTime int64     `json:"responseTimeMs"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}
