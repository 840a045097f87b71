package cache

// ResponseCacheEntry is one cached network response, keyed by request
// identity (method + URL). Only responses with a 2xx status are ever stored.
type ResponseCacheEntry struct {
	CacheKey     string `gorm:"column:cache_key;primaryKey;size:512;not null"`
	Class        string `gorm:"column:class;size:16;not null;index:idx_response_cache_class"`
	StatusCode   int    `gorm:"column:status_code;not null"`
	ContentType  string `gorm:"column:content_type;size:190;not null;default:''"`
	Body         []byte `gorm:"column:body;type:blob"`
	SizeBytes    int64  `gorm:"column:size_bytes;not null"`
	InsertedAtMs int64  `gorm:"column:inserted_at_ms;not null;index:idx_response_cache_inserted"`
}

// TableName provides the explicit table binding for GORM.
func (ResponseCacheEntry) TableName() string {
	return "response_cache"
}
