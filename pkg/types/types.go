package types

import (
	"time"

	"github.com/google/uuid"
)

// fileNamespace seeds deterministic VirtualFile ids so that repeated
// stats of the same source-relative path agree on identity.
var fileNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// VirtualFile is one entry in the virtual namespace. It is constructed
// fresh on every list/stat call from live backend metadata; only its
// bytes are ever cached, never the object itself.
type VirtualFile struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Path         string        `json:"path"` // forward-slash, source-relative
	Size         int64         `json:"size"`
	IsDir        bool          `json:"is_dir"`
	ModTime      time.Time     `json:"mod_time"`
	Tier         TierStatus    `json:"tier_status"`
	Transcodable bool          `json:"transcodable,omitempty"`
	Meta         *UserMetadata `json:"meta,omitempty"`
}

// FileID derives the stable id for a source-relative virtual path.
func FileID(path string) string {
	return uuid.NewSHA1(fileNamespace, []byte(path)).String()
}

// UserMetadata holds the user-assigned annotations kept in the metadata
// store, keyed by virtual path.
type UserMetadata struct {
	Tags       []string `json:"tags,omitempty"`
	Favorite   bool     `json:"favorite,omitempty"`
	ColorLabel string   `json:"color_label,omitempty"`
	Rating     int      `json:"rating,omitempty"`
	Comment    string   `json:"comment,omitempty"`
}

// EvictionPolicy selects the cache victim ordering.
type EvictionPolicy string

const (
	EvictLRU  EvictionPolicy = "lru"
	EvictLFU  EvictionPolicy = "lfu"
	EvictFIFO EvictionPolicy = "fifo"
)

// CacheConfig is immutable after cache construction. MaxSize of zero
// means unlimited.
type CacheConfig struct {
	Directory      string         `yaml:"directory" json:"directory"`
	MaxSize        int64          `yaml:"max_size" json:"max_size"`
	EvictionPolicy EvictionPolicy `yaml:"eviction_policy" json:"eviction_policy"`
}

// CacheEntry is the index record for one cached virtual path. The cache
// engine owns these exclusively; no other component mutates them.
type CacheEntry struct {
	VirtualPath  string    `json:"virtual_path"`
	CachePath    string    `json:"cache_path"`
	Size         int64     `json:"size"`
	CachedAt     time.Time `json:"cached_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	Seq          uint64    `json:"seq"` // insertion order, breaks eviction ties
}

// CacheStats is a point-in-time snapshot of cache accounting.
type CacheStats struct {
	TotalSize     int64  `json:"total_size"`
	MaxSize       int64  `json:"max_size"`
	EntryCount    int    `json:"entry_count"`
	HitCount      uint64 `json:"hit_count"`
	MissCount     uint64 `json:"miss_count"`
	EvictionCount uint64 `json:"eviction_count"`
}

// HitRate returns hits/(hits+misses), zero when nothing was read yet.
func (s CacheStats) HitRate() float64 {
	total := s.HitCount + s.MissCount
	if total == 0 {
		return 0
	}
	return float64(s.HitCount) / float64(total)
}

// StorageSourceType identifies the adapter implementation behind a
// source. Provider strings in configs map onto this closed set.
type StorageSourceType string

const (
	SourceLocal    StorageSourceType = "local"
	SourceNetShare StorageSourceType = "netshare"
	SourceObject   StorageSourceType = "object"
	SourceHybrid   StorageSourceType = "hybrid"
)

// ConnectionStatus is the lifecycle state of a source's backend link.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusError        ConnectionStatus = "error"
)

// StorageSource is a named, configured backend instance. The registry
// is its sole owner.
type StorageSource struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       StorageSourceType `json:"type"`
	Provider   string            `json:"provider,omitempty"`
	Status     ConnectionStatus  `json:"status"`
	LastError  string            `json:"last_error,omitempty"`
	MountPoint string            `json:"mount_point,omitempty"`
}
