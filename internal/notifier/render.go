package notifier

import (
	"strings"

	"groupwatch/internal/monitor"
	"groupwatch/internal/transport"
)

// Render formats a departure. Unknown placeholders are left as they are.
func Render(t Templates, d monitor.Departure) Notice {
	at := d.DetectedAt.Local().Format(TimeLayout)
	r := strings.NewReplacer(
		"{member_name}", d.DisplayName,
		"{member_id}", d.MemberID,
		"{time}", at,
	)

	if !t.Card.Enable {
		msg := t.Message
		if msg == "" {
			msg = DefaultMessageTemplate
		}
		return Notice{Text: r.Replace(msg)}
	}

	title := t.Card.TitleTemplate
	if title == "" {
		title = DefaultTitleTemplate
	}
	desc := t.Card.DescriptionTemplate
	if desc == "" {
		desc = DefaultDescriptionTemplate
	}
	link := transport.Link{
		Title:       r.Replace(title),
		Description: r.Replace(desc),
		URL:         t.Card.URL,
		ThumbURL:    d.AvatarRef,
	}
	return Notice{Text: link.Title + "\n" + link.Description, Link: &link}
}
