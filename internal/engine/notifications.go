package engine

import (
	"fmt"
	"html"
	"strings"
	"time"

	"gitdone/internal/domain"
	"gitdone/internal/flow"
	"gitdone/internal/notify"
)

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "No description provided"
	}
	return s
}

func htmlBody(title string, rows [][2]string, action, actionURL, footer string) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">`)
	fmt.Fprintf(&b, "<h2>%s</h2><div>", html.EscapeString(title))
	for _, r := range rows {
		fmt.Fprintf(&b, "<p><strong>%s:</strong> %s</p>", html.EscapeString(r[0]), html.EscapeString(r[1]))
	}
	b.WriteString("</div>")
	if actionURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s">%s</a></p>`, html.EscapeString(actionURL), html.EscapeString(action))
	}
	if footer != "" {
		fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(footer))
	}
	b.WriteString("</div>")
	return b.String()
}

func textBody(title string, rows [][2]string, action, actionURL, footer string) string {
	var b strings.Builder
	b.WriteString(title + "\n\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s: %s\n", r[0], r[1])
	}
	if actionURL != "" {
		fmt.Fprintf(&b, "\n%s: %s\n", action, actionURL)
	}
	if footer != "" {
		b.WriteString("\n" + footer + "\n")
	}
	return b.String()
}

func message(to, kind, subject, title string, rows [][2]string, action, url, footer string) notify.Message {
	return notify.Message{
		To:      to,
		Kind:    kind,
		Subject: subject,
		HTML:    htmlBody(title, rows, action, url, footer),
		Text:    textBody(title, rows, action, url, footer),
	}
}

func magicLinkMessage(ev *domain.Event, st *domain.Step, link string, expires time.Time) notify.Message {
	rows := [][2]string{
		{"Event", ev.Name},
		{"Event ID", ev.ID},
		{"Task", st.Name},
		{"Description", orNone(st.Description)},
	}
	if st.TimeLimit != "" {
		rows = append(rows, [2]string{"Time Limit", st.TimeLimit})
	}
	footer := "This link is unique to you and expires " + expires.UTC().Format(time.RFC1123) + "."
	return message(st.VendorEmail, notify.KindMagicLink,
		fmt.Sprintf("Action Required: %s for %s", st.Name, ev.Name),
		"You have a task to complete", rows, "Complete this step", link, footer)
}

func eventCreatedMessage(ev *domain.Event) notify.Message {
	rows := [][2]string{
		{"Event", ev.Name},
		{"Event ID", ev.ID},
		{"Flow", string(ev.FlowType)},
		{"Steps", fmt.Sprint(len(ev.Steps))},
	}
	for _, st := range ev.Steps {
		rows = append(rows, [2]string{fmt.Sprintf("Step %d", st.Sequence), st.Name + " (" + st.VendorEmail + ")"})
	}
	return message(ev.OwnerEmail, notify.KindEventCreated,
		"Event Created: "+ev.Name, "Your event has been created", rows, "", "",
		"Vendors with an open step have been sent their completion links.")
}

func stepCompletedMessage(ev *domain.Event, st *domain.Step, c domain.Commit) notify.Message {
	p := flow.Progress(ev)
	rows := [][2]string{
		{"Event", ev.Name},
		{"Step", st.Name},
		{"Vendor", st.VendorEmail},
		{"Files", fmt.Sprint(len(st.Files))},
		{"Ledger entry", c.Hash},
		{"Progress", fmt.Sprintf("%d/%d (%d%%)", p.Completed, p.Total, p.Percent)},
	}
	if st.CompletionComments != "" {
		rows = append(rows, [2]string{"Comments", st.CompletionComments})
	}
	return message(ev.OwnerEmail, notify.KindStepCompleted,
		fmt.Sprintf("Step Completed: %s for %s", st.Name, ev.Name), "A step was completed", rows, "", "", "")
}

func stepTimedOutMessage(ev *domain.Event, st *domain.Step) notify.Message {
	rows := [][2]string{
		{"Event", ev.Name},
		{"Event ID", ev.ID},
		{"Timed Out Step", st.Name},
		{"Vendor", st.VendorEmail},
		{"Time Limit", st.TimeLimit},
	}
	if st.TimedOutAt != nil {
		rows = append(rows, [2]string{"Timed Out At", st.TimedOutAt.UTC().Format(time.RFC1123)})
	}
	footer := "You may need to reassign this step or mark the event completed once every step is resolved."
	if ev.FlowType == domain.FlowSequential {
		footer = "The next step in sequence has been triggered."
	}
	return message(ev.OwnerEmail, notify.KindStepTimedOut,
		fmt.Sprintf("Step Timed Out: %s for %s", st.Name, ev.Name), "Step timed out", rows, "", "", footer)
}

func eventCompletedMessage(ev *domain.Event, commits []domain.Commit) notify.Message {
	rows := [][2]string{
		{"Event", ev.Name},
		{"Event ID", ev.ID},
		{"Steps", fmt.Sprint(len(ev.Steps))},
	}
	for _, c := range commits {
		rows = append(rows, [2]string{c.Timestamp.UTC().Format(time.RFC3339), c.StepID + " " + c.Hash})
	}
	return message(ev.OwnerEmail, notify.KindEventCompleted,
		"Event Completed: "+ev.Name, "Every step is complete", rows, "", "", "")
}

// ManagementLink is one issued owner link.
type ManagementLink struct {
	EventID   string    `json:"event_id"`
	EventName string    `json:"event_name"`
	URL       string    `json:"url"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

func managementLinksMessage(owner string, links []ManagementLink) notify.Message {
	rows := make([][2]string, 0, len(links))
	for _, l := range links {
		rows = append(rows, [2]string{l.EventName, l.URL + " (expires " + l.ExpiresAt.UTC().Format(time.RFC1123) + ")"})
	}
	return message(owner, notify.KindManagementLink,
		"Manage your GitDone events", "Your event management links", rows, "", "",
		"Anyone holding one of these links can manage that event. Do not forward them.")
}
