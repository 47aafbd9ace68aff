package model

import "time"

// ClipboardItem is one history row (spec.md §3). metadata.hash must equal
// SHA-256(canonical bytes of Content) — callers should construct items via
// NewClipboardItem rather than filling the struct by hand, so that
// invariant always holds.
type ClipboardItem struct {
	ID   string
	// Namespace scopes the row to one clipboard group, defaulting to
	// "default". Hypo pairs devices one-to-many within a single implicit
	// namespace today; the field exists so a future multi-profile mode
	// (explicitly out of scope) doesn't require an interface break.
	Namespace        string
	Type             ContentType
	Content          ClipboardContent
	Preview          string
	Metadata         ItemMetadata
	OriginDeviceID   DeviceID
	OriginDeviceName string
	CreatedAt        time.Time
	IsPinned         bool
	IsEncrypted      bool
	TransportOrigin  TransportKind
}

// ItemMetadata carries the content hash/size plus any type-specific extras.
type ItemMetadata struct {
	Hash string
	Size int64
	// Extra holds type-specific metadata (image dimensions, filename, …)
	// so ItemMetadata stays a flat, JSON-friendly map.
	Extra map[string]string
}

// NewClipboardItem builds a ClipboardItem with Metadata.Hash/Size and
// Preview derived from content, preserving the invariant in spec.md §3.
func NewClipboardItem(id string, content ClipboardContent, origin DeviceID, originName string, now time.Time, transportOrigin TransportKind) ClipboardItem {
	return ClipboardItem{
		ID:      id,
		Type:    content.Type,
		Content: content,
		Preview: content.Preview(),
		Metadata: ItemMetadata{
			Hash: content.HashHex(),
			Size: int64(len(content.CanonicalBytes())),
		},
		OriginDeviceID:   origin,
		OriginDeviceName: originName,
		CreatedAt:        now,
		TransportOrigin:  transportOrigin,
	}
}

// MatchesContent reports whether this item's content matches other's.
func (it ClipboardItem) MatchesContent(other ClipboardContent) bool {
	return MatchesContent(it.Content, other)
}
