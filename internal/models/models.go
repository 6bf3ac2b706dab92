package models

import "time"

// ActiveFile represents an uploaded file that is currently available
type ActiveFile struct {
	ID         int64     `json:"id"`
	Filename   string    `json:"filename"`
	StorageKey string    `json:"storage_key"`
	Size       int64     `json:"size"`
	UploadDate time.Time `json:"upload_date"`
}

// DeletedFile represents a soft-deleted file retained for recovery
type DeletedFile struct {
	ID           int64     `json:"id"`
	Filename     string    `json:"filename"`
	StorageKey   string    `json:"storage_key"`
	Size         int64     `json:"size"`
	DeletionDate time.Time `json:"deletion_date"`
}

// DayRange returns the half-open interval [day, day+24h) for the UTC calendar
// day containing t.
func DayRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// ParseDay parses a YYYY-MM-DD date string as a UTC calendar day.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, time.UTC)
}

// DayLayout is the date format accepted by the search endpoints
const DayLayout = "2006-01-02"
