package dispatcher

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/abhishekkushwahaa/signsetu/internal/domain"
)

var reminderBody = template.Must(template.New("reminder").Parse(
	`<p>This is a reminder that your scheduled quiet time, <strong>{{.Title}}</strong>, is starting at {{.Start}}.</p>`,
))

// RenderReminder builds the subject and HTML body for a block. The output
// depends only on the title and start time.
func RenderReminder(b domain.TimeBlock) (subject, body string, err error) {
	start := b.StartTime.UTC().Format("15:04 MST")
	subject = fmt.Sprintf("Reminder: %q starts at %s", b.Title, start)

	var buf bytes.Buffer
	if err := reminderBody.Execute(&buf, struct{ Title, Start string }{b.Title, start}); err != nil {
		return "", "", fmt.Errorf("render reminder: %w", err)
	}
	return subject, buf.String(), nil
}

// IdempotencyKey is the provider-side dedup key for a block's reminder.
func IdempotencyKey(b domain.TimeBlock) string {
	return "reminder/" + b.ID.String()
}
