package engine

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxChatMessageLength = 280
	DefaultChatLimit     = 50
	MaxChatLimit         = 100
	MaxAvatarKeyLength   = 32
	RoomCodeLength       = 6
)

var (
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0B-\x1F\x7F]`)
	avatarDisallow = regexp.MustCompile(`[^a-z0-9_-]`)
	codeDisallow   = regexp.MustCompile(`[^A-Z0-9]`)
)

// SanitizeChatMessage strips control characters and collapses whitespace.
// It returns ErrMessageRequired or ErrMessageTooLong for unusable input.
func SanitizeChatMessage(raw string) (string, error) {
	msg := controlChars.ReplaceAllString(raw, "")
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return "", ErrMessageRequired
	}
	if utf8.RuneCountInString(msg) > MaxChatMessageLength {
		return "", ErrMessageTooLong
	}
	return msg, nil
}

// NormalizeChatLimit maps a raw ?limit= value onto [1, MaxChatLimit].
func NormalizeChatLimit(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return DefaultChatLimit
	}
	return min(n, MaxChatLimit)
}

// SanitizeAvatarKey returns "" when nothing usable is left.
func SanitizeAvatarKey(raw string) string {
	key := avatarDisallow.ReplaceAllString(strings.TrimSpace(strings.ToLower(raw)), "")
	if len(key) > MaxAvatarKeyLength {
		key = key[:MaxAvatarKeyLength]
	}
	return key
}

// NormalizeRoomCode upper-cases a code taken from a URL path.
func NormalizeRoomCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// NormalizeSocketRoomCode is the stricter form used for push-channel
// payloads: alphanumerics only, truncated to RoomCodeLength.
func NormalizeSocketRoomCode(raw string) string {
	code := codeDisallow.ReplaceAllString(strings.ToUpper(raw), "")
	if len(code) > RoomCodeLength {
		code = code[:RoomCodeLength]
	}
	return code
}
