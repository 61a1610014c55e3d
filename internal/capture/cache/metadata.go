package cache

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"
)

// Entry is the Redis-side record for a cached capture. The screenshot payload
// lives on disk at PayloadPath; everything else needed to answer a cache hit
// without touching the filesystem is stored in the hash.
type Entry struct {
	Fingerprint    string            `json:"fingerprint"`
	URL            string            `json:"url"`
	OptionsSummary string            `json:"options_summary"`
	PayloadPath    string            `json:"payload_path"` // relative, empty when screenshot was skipped
	RequestID      string            `json:"request_id"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Size           int64             `json:"size"`      // raw payload bytes
	DiskSize       int64             `json:"disk_size"` // bytes on disk after compression
	RenderTime     time.Duration     `json:"render_time"`
	FinalURL       string            `json:"final_url,omitempty"`
	Extracted      map[string]string `json:"extracted,omitempty"`
}

func (e *Entry) IsExpired() bool {
	return time.Now().UTC().After(e.ExpiresAt)
}

func (e *Entry) TTL() time.Duration {
	if e.IsExpired() {
		return 0
	}
	return e.ExpiresAt.Sub(time.Now().UTC())
}

// ToHash converts the entry to Redis hash fields
func (e *Entry) ToHash() map[string]interface{} {
	hash := map[string]interface{}{
		"fingerprint":     e.Fingerprint,
		"url":             e.URL,
		"options_summary": e.OptionsSummary,
		"payload_path":    e.PayloadPath,
		"request_id":      e.RequestID,
		"created_at":      e.CreatedAt.Unix(),
		"expires_at":      e.ExpiresAt.Unix(),
		"size":            e.Size,
		"disk_size":       e.DiskSize,
		"render_time_ms":  e.RenderTime.Milliseconds(),
	}

	if e.FinalURL != "" {
		hash["final_url"] = e.FinalURL
	}
	if len(e.Extracted) > 0 {
		if extractedJSON, err := json.Marshal(e.Extracted); err == nil {
			hash["extracted"] = string(extractedJSON)
		}
	}

	return hash
}

// FromHash populates the entry from Redis hash fields
func (e *Entry) FromHash(data map[string]string) error {
	e.Fingerprint = data["fingerprint"]
	e.URL = data["url"]
	e.OptionsSummary = data["options_summary"]
	e.PayloadPath = data["payload_path"]
	e.RequestID = data["request_id"]
	e.FinalURL = data["final_url"]

	if e.Fingerprint == "" {
		return fmt.Errorf("missing fingerprint field")
	}

	createdAt, err := strconv.ParseInt(data["created_at"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid created_at: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()

	expiresAt, err := strconv.ParseInt(data["expires_at"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires_at: %w", err)
	}
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	size, err := strconv.ParseInt(data["size"], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	e.Size = size

	if diskSizeStr, ok := data["disk_size"]; ok && diskSizeStr != "" {
		diskSize, err := strconv.ParseInt(diskSizeStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid disk_size: %w", err)
		}
		e.DiskSize = diskSize
	}

	if renderMsStr, ok := data["render_time_ms"]; ok && renderMsStr != "" {
		renderMs, err := strconv.ParseInt(renderMsStr, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid render_time_ms: %w", err)
		}
		e.RenderTime = time.Duration(renderMs) * time.Millisecond
	}

	if extractedJSON, ok := data["extracted"]; ok && extractedJSON != "" {
		if err := json.Unmarshal([]byte(extractedJSON), &e.Extracted); err != nil {
			return fmt.Errorf("invalid extracted JSON: %w", err)
		}
	}

	return nil
}

// PayloadRelPath builds the relative payload path for a fingerprint: sharded
// by creation date so sweeping old captures stays a cheap directory walk.
// The compression extension is appended by the store on write.
func PayloadRelPath(fingerprint string, createdAt time.Time) string {
	return filepath.Join(
		createdAt.Format("2006"),
		createdAt.Format("01"),
		createdAt.Format("02"),
		fingerprint+".png",
	)
}
