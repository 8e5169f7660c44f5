package sos

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// Message defaults.
const (
	TimestampLayout      = "2006-01-02 15:04:05 MST"
	DefaultMapServiceURL = "https://maps.google.com/"
	DefaultUserName      = "Your contact"
)

// Composer renders the three alert templates.
type Composer struct {
	UserName      string
	MapServiceURL string
}

func (c Composer) userName() string {
	if strings.TrimSpace(c.UserName) == "" {
		return DefaultUserName
	}
	return c.UserName
}

// MapLink returns <MapServiceURL>?q=<lat>,<lng>.
func (c Composer) MapLink(fix models.Fix) string {
	base := c.MapServiceURL
	if base == "" {
		base = DefaultMapServiceURL
	}
	return base + "?q=" + strconv.FormatFloat(fix.Lat, 'f', -1, 64) + "," + strconv.FormatFloat(fix.Lng, 'f', -1, 64)
}

// FormatAccuracy rounds accuracy to whole meters, or returns N/A when unknown.
func FormatAccuracy(fix *models.Fix) string {
	if fix == nil || !fix.HasAccuracy() {
		return "N/A"
	}
	return fmt.Sprintf("%dm", int64(math.Round(fix.Accuracy)))
}

// Activation renders the ALERT ACTIVATED message. A nil fix renders the unavailable placeholder.
func (c Composer) Activation(source models.TriggerSource, at time.Time, fix *models.Fix) string {
	location := "unavailable (will follow in live updates)"
	if fix != nil {
		location = c.MapLink(*fix)
	}
	return fmt.Sprintf("SOS ALERT ACTIVATED\n%s needs help.\nTrigger: %s\nTime: %s\nLocation: %s\nAccuracy: %s",
		c.userName(), source, at.Format(TimestampLayout), location, FormatAccuracy(fix))
}

// Update renders the short LIVE UPDATE message.
func (c Composer) Update(at time.Time, fix models.Fix) string {
	return fmt.Sprintf("LIVE UPDATE %s: %s (accuracy %s)", at.Format(TimestampLayout), c.MapLink(fix), FormatAccuracy(&fix))
}

// Deactivation renders the DEACTIVATED message with the last known location.
func (c Composer) Deactivation(at time.Time, fix *models.Fix) string {
	location := "unavailable"
	if fix != nil {
		location = c.MapLink(*fix)
	}
	return fmt.Sprintf("SOS DEACTIVATED\n%s has stood down the alert.\nTime: %s\nLast known location: %s\nAccuracy: %s",
		c.userName(), at.Format(TimestampLayout), location, FormatAccuracy(fix))
}

// CallAnnouncement is read aloud to a contact who answers an automated call.
func (c Composer) CallAnnouncement() string {
	return fmt.Sprintf("This is an emergency alert. %s has triggered an SOS alert and may need help. Please check your text messages for their location.", c.userName())
}
