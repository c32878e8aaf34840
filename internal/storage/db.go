package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage handles all database operations using SQLite
type Storage struct {
	DB *gorm.DB
}

// Open initializes the SQLite database at the given path.
func Open(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db dir: %w", err)
		}
	}

	// Glebarez driver: pure Go, no CGO
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode so pipeline workers and the automation loop can write concurrently
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	s := &Storage{DB: db}
	if err := s.InitSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitSchema creates or migrates the tables.
func (s *Storage) InitSchema() error {
	if err := s.DB.AutoMigrate(&Channel{}, &Video{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint to ensure durability
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ============= Videos =============

// UpsertVideos inserts discovered posts, refreshing title, media source URL
// and discovery time when the URL is already known.
func (s *Storage) UpsertVideos(videos []Video) error {
	if len(videos) == 0 {
		return nil
	}
	now := time.Now()
	for i := range videos {
		if videos[i].DiscoveredAt.IsZero() {
			videos[i].DiscoveredAt = now
		}
	}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "media_source_url", "discovered_at"}),
	}).Create(&videos).Error
}

// GetAllVideos returns every known post, newest discoveries first.
func (s *Storage) GetAllVideos() ([]Video, error) {
	var videos []Video
	err := s.DB.Order("discovered_at desc").Find(&videos).Error
	return videos, err
}

// GetUndownloadedVideos returns posts with a resolved media URL that have not
// been downloaded yet, newest first.
func (s *Storage) GetUndownloadedVideos() ([]Video, error) {
	var videos []Video
	err := s.DB.
		Where("downloaded = ? AND media_source_url IS NOT NULL AND media_source_url != ''", false).
		Order("discovered_at desc").
		Find(&videos).Error
	return videos, err
}

// GetDownloadedNotUploaded returns posts awaiting delivery, oldest download first.
func (s *Storage) GetDownloadedNotUploaded() ([]Video, error) {
	var videos []Video
	err := s.DB.
		Where("downloaded = ? AND uploaded = ? AND download_path != ''", true, false).
		Order("downloaded_at asc").
		Find(&videos).Error
	return videos, err
}

// GetVideosMissingMediaURL returns posts whose media URL was never resolved.
func (s *Storage) GetVideosMissingMediaURL(limit int) ([]Video, error) {
	var videos []Video
	query := s.DB.
		Where("media_source_url IS NULL OR media_source_url = ''").
		Order("discovered_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&videos).Error
	return videos, err
}

// GetVideo retrieves a post by its page URL.
func (s *Storage) GetVideo(url string) (Video, error) {
	var video Video
	err := s.DB.First(&video, "url = ?", url).Error
	return video, err
}

// VideoExists reports whether a post URL is already known.
func (s *Storage) VideoExists(url string) (bool, error) {
	var count int64
	err := s.DB.Model(&Video{}).Where("url = ?", url).Count(&count).Error
	return count > 0, err
}

// UpdateMediaURL overwrites the (time-limited) media source URL for a post.
func (s *Storage) UpdateMediaURL(url, mediaURL string) error {
	return s.DB.Model(&Video{}).Where("url = ?", url).Update("media_source_url", mediaURL).Error
}

// MarkDownloaded records a completed download. Only called after the temp
// file rename succeeded.
func (s *Storage) MarkDownloaded(url, path string) error {
	now := time.Now()
	return s.DB.Model(&Video{}).Where("url = ?", url).Updates(map[string]interface{}{
		"downloaded":    true,
		"download_path": path,
		"downloaded_at": now,
	}).Error
}

// MarkUploaded records a completed delivery with the message id the endpoint
// returned (may be empty when the response could not be parsed).
func (s *Storage) MarkUploaded(url, messageID string) error {
	now := time.Now()
	return s.DB.Model(&Video{}).Where("url = ?", url).Updates(map[string]interface{}{
		"uploaded":               true,
		"upload_message_id":      messageID,
		"last_upload_attempt_at": now,
	}).Error
}

// TouchUploadAttempt records a failed delivery attempt.
func (s *Storage) TouchUploadAttempt(url string) error {
	now := time.Now()
	return s.DB.Model(&Video{}).Where("url = ?", url).Update("last_upload_attempt_at", now).Error
}

// ============= Channels =============

// GetActiveChannels returns channels eligible for scanning, in insertion order.
func (s *Storage) GetActiveChannels() ([]Channel, error) {
	var channels []Channel
	err := s.DB.Where("is_active = ?", true).Order("id asc").Find(&channels).Error
	return channels, err
}

// SaveChannel creates or updates a channel by URL.
func (s *Storage) SaveChannel(name, url string, checkIntervalMinutes int) error {
	ch := Channel{Name: name, URL: url, CheckIntervalMinutes: checkIntervalMinutes, IsActive: true}
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "check_interval_minutes", "is_active"}),
	}).Create(&ch).Error
}

// TouchChannelLastChecked stamps the channel as scanned now.
func (s *Storage) TouchChannelLastChecked(id int) error {
	now := time.Now()
	return s.DB.Model(&Channel{}).Where("id = ?", id).Update("last_checked", now).Error
}

// ============= Counts (dashboard) =============

func (s *Storage) CountUndownloaded() (int64, error) {
	var count int64
	err := s.DB.Model(&Video{}).
		Where("downloaded = ? AND media_source_url IS NOT NULL AND media_source_url != ''", false).
		Count(&count).Error
	return count, err
}

func (s *Storage) CountPendingUploads() (int64, error) {
	var count int64
	err := s.DB.Model(&Video{}).
		Where("downloaded = ? AND uploaded = ?", true, false).
		Count(&count).Error
	return count, err
}

func (s *Storage) CountDownloads() (int64, error) {
	var count int64
	err := s.DB.Model(&Video{}).Where("downloaded = ?", true).Count(&count).Error
	return count, err
}

func (s *Storage) CountUploads() (int64, error) {
	var count int64
	err := s.DB.Model(&Video{}).Where("uploaded = ?", true).Count(&count).Error
	return count, err
}
