package cache

// Entry is one cached GET response, keyed by the normalized request identity
// under a version-scoped namespace.
type Entry struct {
	Namespace   string `gorm:"column:namespace;primaryKey;size:64;not null"`
	RequestKey  string `gorm:"column:request_key;primaryKey;size:512;not null"`
	StatusCode  int    `gorm:"column:status_code;not null"`
	HeaderJSON  string `gorm:"column:header_json;type:text;not null"`
	Body        []byte `gorm:"column:body;type:blob"`
	StoredAtSec int64  `gorm:"column:stored_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "response_cache"
}
