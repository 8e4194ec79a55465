package notify

import (
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/reformer/pkg/booking"
)

const (
	placeholderName           = "name"
	placeholderClassTitle     = "classTitle"
	placeholderDate           = "date"
	placeholderTime           = "time"
	placeholderReformerNumber = "reformerNumber"

	dateLayout   = "Monday, 2 January 2006"
	timeLayout   = "15:04"
	fallbackName = "there"
)

// ErrUnknownTemplate is returned when no template exists for a notification kind.
var ErrUnknownTemplate = errors.New("unknown email template")

// Template is an email subject and HTML body with {{placeholder}} markers.
type Template struct {
	Subject string
	HTML    string
}

// RenderedEmail is a template with every placeholder substituted.
type RenderedEmail struct {
	Subject string
	HTML    string
}

var defaultTemplates = map[booking.NotificationKind]Template{
	booking.NotificationBookingConfirmation: {
		Subject: "Booking confirmed: {{classTitle}}",
		HTML: `<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <p>Hi {{name}},</p>
  <p>Your class booking is confirmed. Here are the details:</p>
  <table style="width: 100%; border-collapse: collapse;">
    <tr><td>Class</td><td style="text-align: right;">{{classTitle}}</td></tr>
    <tr><td>Date</td><td style="text-align: right;">{{date}}</td></tr>
    <tr><td>Time</td><td style="text-align: right;">{{time}}</td></tr>
    <tr><td>Reformer</td><td style="text-align: right;">#{{reformerNumber}}</td></tr>
  </table>
  <p>See you on the reformer! If you need to cancel, please do so from your dashboard.</p>
</div>`,
	},
	booking.NotificationBookingCancellation: {
		Subject: "Booking cancelled: {{classTitle}}",
		HTML: `<div style="font-family: sans-serif; max-width: 600px; margin: 0 auto;">
  <p>Hi {{name}},</p>
  <p>Your booking for {{classTitle}} on {{date}} at {{time}} (reformer #{{reformerNumber}}) has been cancelled.</p>
  <p>The credit has been returned to your account.</p>
</div>`,
	},
}

// TemplateSet renders notifications into emails.
type TemplateSet struct {
	templates map[booking.NotificationKind]Template
	location  *time.Location
}

// NewTemplateSet returns the built-in booking templates rendered in location.
// A nil location renders times in UTC.
func NewTemplateSet(location *time.Location) *TemplateSet {
	if location == nil {
		location = time.UTC
	}
	templates := make(map[booking.NotificationKind]Template, len(defaultTemplates))
	for kind, template := range defaultTemplates {
		templates[kind] = template
	}
	return &TemplateSet{templates: templates, location: location}
}

// Render substitutes the notification's values into its kind's template.
func (set *TemplateSet) Render(notification booking.Notification) (RenderedEmail, error) {
	template, ok := set.templates[notification.Kind]
	if !ok {
		return RenderedEmail{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, notification.Kind)
	}
	values := set.Values(notification)
	return RenderedEmail{
		Subject: applyPlaceholders(template.Subject, values, false),
		HTML:    applyPlaceholders(template.HTML, values, true),
	}, nil
}

// Values returns the placeholder values for notification.
func (set *TemplateSet) Values(notification booking.Notification) map[string]string {
	name := strings.TrimSpace(notification.Contact.Name)
	if name == "" {
		name = fallbackName
	}
	start := notification.Class.StartTime.In(set.location)
	return map[string]string{
		placeholderName:           name,
		placeholderClassTitle:     notification.Class.Title,
		placeholderDate:           start.Format(dateLayout),
		placeholderTime:           start.Format(timeLayout),
		placeholderReformerNumber: strconv.Itoa(int(notification.Station)),
	}
}

func applyPlaceholders(text string, values map[string]string, escape bool) string {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		if escape {
			value = html.EscapeString(value)
		}
		pairs = append(pairs, "{{"+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
