package fetch

import (
	"net/url"
	"strings"
)

// Platform represents a known short-form video platform.
type Platform string

const (
	// PlatformTikTok is TikTok
	PlatformTikTok Platform = "TikTok"
	// PlatformInstagram is Instagram Reels
	PlatformInstagram Platform = "Instagram"
	// PlatformYouTube is YouTube Shorts
	PlatformYouTube Platform = "YouTube"
	// PlatformUnknown is an unrecognized host or a local upload
	PlatformUnknown Platform = "Unknown"
)

// DetectPlatform identifies the video platform from a URL.
func DetectPlatform(urlStr string) Platform {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return PlatformUnknown
	}

	host := strings.ToLower(parsed.Hostname())

	switch {
	case host == "tiktok.com" || strings.HasSuffix(host, ".tiktok.com"):
		return PlatformTikTok
	case host == "instagram.com" || strings.HasSuffix(host, ".instagram.com"):
		return PlatformInstagram
	case host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		return PlatformYouTube
	}

	return PlatformUnknown
}

// IsPageURL reports whether the URL points at a platform watch page rather than a media file.
// Page URLs cannot be fetched directly as video bytes.
func IsPageURL(urlStr string) bool {
	if DetectPlatform(urlStr) == PlatformUnknown {
		return false
	}
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	switch strings.ToLower(pathExt(parsed.Path)) {
	case ".mp4", ".mov", ".webm", ".m4v":
		return false
	}
	return true
}

func pathExt(p string) string {
	if i := strings.LastIndex(p, "."); i >= 0 && !strings.Contains(p[i:], "/") {
		return p[i:]
	}
	return ""
}
