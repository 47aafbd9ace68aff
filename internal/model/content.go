package model

import (
	"crypto/sha256"
	"fmt"
)

// ContentType identifies the tagged union of clipboard content kinds
// (spec.md §3 ClipboardContent).
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentLink  ContentType = "link"
	ContentImage ContentType = "image"
	ContentFile  ContentType = "file"
)

// Size caps from spec.md §1/§3/§9.
const (
	MaxImageBytes   = 1 << 20        // 1 MiB, after compression
	MaxFileTransfer = 10 << 20       // 10 MiB, enforced at the observer (the sync engine caps the whole envelope at MaxFrameBytes)
	MaxFileLocal    = 50 << 20       // 50 MiB, local-copy cap (not enforced for transfer)
	MaxFrameBytes   = 10 << 20       // frame codec hard cap (spec.md §4.2)
)

// TransportKind names which transport carried or should carry an item.
type TransportKind string

const (
	TransportLAN   TransportKind = "LAN"
	TransportCloud TransportKind = "CLOUD"
	TransportLocal TransportKind = "LOCAL"
	TransportNone  TransportKind = "None"
)

// ImageContent is the payload of a ContentImage item.
type ImageContent struct {
	Bytes          []byte
	Width          int
	Height         int
	MIME           string // one of png, jpeg, webp, gif
	ThumbnailBytes []byte
}

// FileContent is the payload of a ContentFile item.
type FileContent struct {
	Bytes    []byte
	Filename string
	MIME     string
	Size     int64
}

// ClipboardContent is the tagged union described in spec.md §3. Exactly one
// of Text/Link/Image/File is meaningful, selected by Type.
type ClipboardContent struct {
	Type  ContentType
	Text  string // ContentText or ContentLink (Link holds the absolute URL string)
	Image *ImageContent
	File  *FileContent
}

// CanonicalBytes returns the canonical byte representation used for
// hashing and for equality checks (spec.md §3's "matches content" rule).
func (c ClipboardContent) CanonicalBytes() []byte {
	switch c.Type {
	case ContentText, ContentLink:
		return []byte(c.Text)
	case ContentImage:
		if c.Image == nil {
			return nil
		}
		return c.Image.Bytes
	case ContentFile:
		if c.File == nil {
			return nil
		}
		return c.File.Bytes
	default:
		return nil
	}
}

// Hash returns SHA-256 of the canonical bytes (ClipboardItem.metadata.hash
// invariant in spec.md §3).
func (c ClipboardContent) Hash() [32]byte {
	return sha256.Sum256(c.CanonicalBytes())
}

// HashHex is Hash formatted as lowercase hex, the form stored in
// ClipboardItem.metadata and compared across the wire.
func (c ClipboardContent) HashHex() string {
	h := c.Hash()
	return fmt.Sprintf("%x", h)
}

// MIME returns the effective MIME type of the content: the image/file MIME
// for those kinds, or "text/plain" and "text/uri-list" for the simpler kinds.
func (c ClipboardContent) MIME() string {
	switch c.Type {
	case ContentText:
		return "text/plain"
	case ContentLink:
		return "text/uri-list"
	case ContentImage:
		if c.Image != nil {
			return "image/" + c.Image.MIME
		}
		return "image/*"
	case ContentFile:
		if c.File != nil && c.File.MIME != "" {
			return c.File.MIME
		}
		return "application/octet-stream"
	default:
		return "application/octet-stream"
	}
}

// Preview returns a short human-readable preview capped to 100 chars
// (ClipboardItem.preview in spec.md §3).
func (c ClipboardContent) Preview() string {
	const maxLen = 100
	var s string
	switch c.Type {
	case ContentText, ContentLink:
		s = c.Text
	case ContentImage:
		s = fmt.Sprintf("[image %s]", contentImageDims(c.Image))
	case ContentFile:
		if c.File != nil {
			s = c.File.Filename
		} else {
			s = "[file]"
		}
	}
	r := []rune(s)
	if len(r) > maxLen {
		return string(r[:maxLen])
	}
	return s
}

func contentImageDims(i *ImageContent) string {
	if i == nil {
		return "?"
	}
	return fmt.Sprintf("%dx%d %s", i.Width, i.Height, i.MIME)
}

// MatchesContent implements the "two items match content" rule from
// spec.md §3: same Type, and for text/link exact byte equality, for
// image/file hash equality.
func MatchesContent(a, b ClipboardContent) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case ContentText, ContentLink:
		return a.Text == b.Text
	case ContentImage, ContentFile:
		return a.HashHex() == b.HashHex()
	default:
		return false
	}
}
