package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidWriteID indicates that a pending write identifier is empty or exceeds storage bounds.
	ErrInvalidWriteID = errors.New("store: invalid write id")
	// ErrInvalidStoryID indicates that a remote story identifier is empty or exceeds storage bounds.
	ErrInvalidStoryID = errors.New("store: invalid story id")
	// ErrEmptyDescription indicates a pending write without a description.
	ErrEmptyDescription = errors.New("store: description is required")
	// ErrMalformedPhoto indicates a photo payload that cannot be resolved to bytes.
	ErrMalformedPhoto = errors.New("store: malformed photo payload")
)

const maxIdentifierLength = 190

// WriteID represents a validated pending-write identifier.
type WriteID string

// NewWriteID validates raw input and returns a WriteID.
func NewWriteID(rawInput string) (WriteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWriteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidWriteID, maxIdentifierLength)
	}
	return WriteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id WriteID) String() string {
	return string(id)
}

// StoryID represents a validated remote story identifier.
type StoryID string

// NewStoryID validates raw input and returns a StoryID.
func NewStoryID(rawInput string) (StoryID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStoryID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStoryID, maxIdentifierLength)
	}
	return StoryID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StoryID) String() string {
	return string(id)
}

// PhotoKind enumerates the persisted representations of a photo attachment.
type PhotoKind string

const (
	// PhotoKindNone marks a write without a photo.
	PhotoKindNone PhotoKind = "none"
	// PhotoKindBinary marks a photo persisted as raw bytes.
	PhotoKindBinary PhotoKind = "binary"
	// PhotoKindEncoded marks a photo persisted as a base64 text form
	// (optionally a data: URI).
	PhotoKindEncoded PhotoKind = "encoded"
)

// Photo is the tagged variant for a pending write's photo attachment. The
// variant is resolved to bytes exactly once, at replay time.
type Photo struct {
	Kind    PhotoKind
	Binary  []byte
	Encoded string
}

// NoPhoto returns the empty variant.
func NoPhoto() Photo {
	return Photo{Kind: PhotoKindNone}
}

// BinaryPhoto wraps raw photo bytes.
func BinaryPhoto(data []byte) Photo {
	return Photo{Kind: PhotoKindBinary, Binary: data}
}

// EncodedPhoto wraps a base64 text form, with or without a data: URI prefix.
func EncodedPhoto(encoded string) Photo {
	return Photo{Kind: PhotoKindEncoded, Encoded: encoded}
}

// Resolve decodes the variant to raw bytes. A decode failure is reported as
// ErrMalformedPhoto so that callers can treat the entry as malformed without
// inspecting encoding details.
func (p Photo) Resolve() ([]byte, error) {
	switch p.Kind {
	case PhotoKindNone:
		return nil, nil
	case PhotoKindBinary:
		if len(p.Binary) == 0 {
			return nil, fmt.Errorf("%w: empty binary payload", ErrMalformedPhoto)
		}
		return p.Binary, nil
	case PhotoKindEncoded:
		payload := p.Encoded
		if idx := strings.Index(payload, ";base64,"); idx >= 0 {
			payload = payload[idx+len(";base64,"):]
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			return nil, fmt.Errorf("%w: empty encoded payload", ErrMalformedPhoto)
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPhoto, err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPhoto, p.Kind)
	}
}

// HasPhoto reports whether the variant carries an attachment.
func (p Photo) HasPhoto() bool {
	return p.Kind == PhotoKindBinary || p.Kind == PhotoKindEncoded
}

// PendingWrite models a locally queued story upload awaiting remote delivery.
// A row is deleted only after the remote service acknowledged that exact
// payload; failed replays leave it in place.
type PendingWrite struct {
	WriteID          string   `gorm:"column:write_id;primaryKey;size:190;not null"`
	Description      string   `gorm:"column:description;type:text;not null"`
	PhotoKind        string   `gorm:"column:photo_kind;size:16;not null;default:'none'"`
	PhotoBinary      []byte   `gorm:"column:photo_binary;type:blob"`
	PhotoEncoded     string   `gorm:"column:photo_encoded;type:text;not null;default:''"`
	Latitude         *float64 `gorm:"column:lat"`
	Longitude        *float64 `gorm:"column:lon"`
	CreatedAtMillis  int64    `gorm:"column:created_at_ms;not null;index:idx_pending_created"`
	AuthSnapshot     string   `gorm:"column:auth_snapshot;type:text;not null"`
	Attempts         int      `gorm:"column:attempts;not null;default:0"`
	LastError        string   `gorm:"column:last_error;type:text;not null;default:''"`
	Poisoned         bool     `gorm:"column:poisoned;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (PendingWrite) TableName() string {
	return "pending_writes"
}

// Photo reconstructs the tagged variant from the persisted columns.
func (w PendingWrite) Photo() Photo {
	switch PhotoKind(w.PhotoKind) {
	case PhotoKindBinary:
		return BinaryPhoto(w.PhotoBinary)
	case PhotoKindEncoded:
		return EncodedPhoto(w.PhotoEncoded)
	default:
		return NoPhoto()
	}
}

// FavoriteEntry models a user-marked story: the remote story fields plus the
// moment it was favorited. Sync never touches this collection.
type FavoriteEntry struct {
	StoryID            string   `gorm:"column:story_id;primaryKey;size:190;not null"`
	Name               string   `gorm:"column:name;size:190;not null;index:idx_favorites_name"`
	Description        string   `gorm:"column:description;type:text;not null"`
	PhotoURL           string   `gorm:"column:photo_url;type:text;not null;default:''"`
	Latitude           *float64 `gorm:"column:lat"`
	Longitude          *float64 `gorm:"column:lon"`
	CreatedAt          string   `gorm:"column:created_at;size:64;not null;index:idx_favorites_created"`
	FavoritedAtSeconds int64    `gorm:"column:favorited_at_s;not null;index:idx_favorites_favorited"`
}

// TableName provides the explicit table binding for GORM.
func (FavoriteEntry) TableName() string {
	return "favorites"
}

// SnapshotEntry models one row of the last known-good full listing. The
// collection is replaced wholesale on every successful read, never merged.
type SnapshotEntry struct {
	StoryID     string   `gorm:"column:story_id;primaryKey;size:190;not null"`
	Name        string   `gorm:"column:name;size:190;not null;index:idx_snapshot_name"`
	Description string   `gorm:"column:description;type:text;not null"`
	PhotoURL    string   `gorm:"column:photo_url;type:text;not null;default:''"`
	Latitude    *float64 `gorm:"column:lat"`
	Longitude   *float64 `gorm:"column:lon"`
	CreatedAt   string   `gorm:"column:created_at;size:64;not null;index:idx_snapshot_created"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotEntry) TableName() string {
	return "cached_snapshot"
}
