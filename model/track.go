package model

import "time"

// DefaultBasePriceMinorUnits 上传未指定价格时的默认基础价格（最小货币单位）
const DefaultBasePriceMinorUnits int64 = 1_000_000_000_000_000

// Track 音轨
type Track struct {
	ID                  string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID             string    `json:"ownerId" gorm:"size:64;index;not null"`
	Title               string    `json:"title" gorm:"size:255;not null"`
	Artist              string    `json:"artist" gorm:"size:255"`
	Genre               string    `json:"genre" gorm:"size:64"`
	Visibility          string    `json:"visibility" gorm:"size:16;default:'public';index"` // public, private
	BasePriceMinorUnits int64     `json:"basePrice" gorm:"not null"`
	DurationSeconds     float64   `json:"duration"`
	ContentHash         string    `json:"contentHash" gorm:"size:64"`
	ContentRef          string    `json:"-" gorm:"size:128;not null"` // 不直接暴露，通过 /file 下载
	ContentType         string    `json:"contentType" gorm:"size:64"`
	ParentTrackID       *string   `json:"parentTrackId,omitempty" gorm:"size:36"`
	Kind                string    `json:"kind" gorm:"size:16;default:'original'"` // original, reuse
	TotalReuseCount     int64     `json:"totalReuseCount" gorm:"not null;default:0"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// IsPublic reports whether anyone may stream the track.
func (t *Track) IsPublic() bool {
	return t.Visibility != TrackVisibilityPrivate
}

// TrackReuseCredit 记录某条复用记录已计入音轨的复用次数，record_id 唯一保证只计一次
type TrackReuseCredit struct {
	RecordID  string    `json:"recordId" gorm:"primaryKey;size:36"`
	TrackID   string    `json:"trackId" gorm:"size:36;index;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (TrackReuseCredit) TableName() string {
	return "track_reuse_credits"
}

const (
	TrackVisibilityPublic  = "public"
	TrackVisibilityPrivate = "private"

	TrackKindOriginal = "original"
	TrackKindReuse    = "reuse"
)
