package storage

import (
	"time"
)

// Channel is a source listing URL that gets scanned periodically.
// Channels are created by the operator and never deleted; deactivation is
// done by flipping IsActive.
type Channel struct {
	ID                   int        `gorm:"primaryKey" json:"id"`
	Name                 string     `json:"name"`
	URL                  string     `gorm:"uniqueIndex" json:"url"`
	CheckIntervalMinutes int        `gorm:"default:60" json:"check_interval_minutes"`
	IsActive             bool       `gorm:"default:true;index" json:"is_active"`
	LastChecked          *time.Time `json:"last_checked"`
}

func (Channel) TableName() string {
	return "channels"
}

// Video is a discovered post page and its download/upload state.
// URL is the unique key; MediaSourceURL is time-limited and may be refreshed
// any number of times before a download succeeds.
type Video struct {
	URL                 string     `gorm:"primaryKey" json:"url"`
	Title               string     `json:"title"`
	PostID              string     `gorm:"index" json:"post_id"`
	MediaSourceURL      string     `json:"media_source_url"`
	Downloaded          bool       `gorm:"index;default:false" json:"downloaded"`
	DownloadPath        string     `json:"download_path"`
	DownloadedAt        *time.Time `json:"downloaded_at"`
	Uploaded            bool       `gorm:"index;default:false" json:"uploaded"`
	UploadMessageID     string     `json:"upload_message_id"`
	LastUploadAttemptAt *time.Time `json:"last_upload_attempt_at"`
	DiscoveredAt        time.Time  `json:"discovered_at"`
}

func (Video) TableName() string {
	return "videos"
}
