// Package util provides identifier and environment helpers shared across SOSPipe components.
package util

import (
	"math/rand/v2"
	"strings"
	"time"
)

const (
	hexChars          = "0123456789abcdef"
	alphaNumericChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// EpisodeIDTimeLayout is the UTC start time embedded in episode IDs.
	EpisodeIDTimeLayout = "20060102T150405"
)

// randomString draws length characters from alphabet.
func randomString(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}

// GenerateEpisodeID returns an ID of the form "ep_<UTC start>_<8 hex>". IDs of episodes
// started at different seconds sort by start time.
func GenerateEpisodeID(startedAt time.Time) string {
	return "ep_" + startedAt.UTC().Format(EpisodeIDTimeLayout) + "_" + randomString(hexChars, 8)
}

// GenerateSessionID returns an identifier for one device link connection, prefixed by its role.
func GenerateSessionID(role string) string {
	return role + "_" + randomString(alphaNumericChars, 12)
}
