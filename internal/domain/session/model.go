package session

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Solvire/gramline/internal/database"
)

// Metadata keys maintained by the pool and governor
const (
	MetaLastDC        = "last_dc"
	MetaLastFloodWait = "last_flood_wait_seconds"
	MetaLayer         = "protocol_layer"
)

// Metadata is a free-form diagnostic map stored as JSONB
type Metadata map[string]any

// Value implements driver.Valuer
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = Metadata{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata column type %T", value)
	}

	return json.Unmarshal(data, m)
}

// Record is the persisted remote-network session of one local user. The blob
// is always encrypted by the codec before it reaches this struct; rows are
// deactivated rather than deleted so the auth history stays auditable.
type Record struct {
	database.BaseModel

	UserID        string    `gorm:"column:user_id;type:uuid;not null;uniqueIndex"`
	PhoneNumber   string    `gorm:"column:phone_number;not null"`
	EncryptedBlob []byte    `gorm:"column:encrypted_blob;type:bytea;not null"`
	APIID         int32     `gorm:"column:api_id;not null"`
	APIHash       string    `gorm:"column:api_hash;not null"`
	LastAuthAt    time.Time `gorm:"column:last_auth_at"`
	LastUsedAt    time.Time `gorm:"column:last_used_at"`
	IsActive      bool      `gorm:"column:is_active;default:true"`
	RetryCount    int       `gorm:"column:retry_count;default:0"`
	Metadata      Metadata  `gorm:"column:metadata;type:jsonb"`
}

// TableName overrides the table name
func (Record) TableName() string {
	return "remote_sessions"
}
