package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"voicegrid_backend/internal/calls/domain"
	"voicegrid_backend/internal/events"
	"voicegrid_backend/platform/logger"

	"github.com/google/uuid"
)

// CallLookup loads a call record for summary rendering.
type CallLookup interface {
	GetByID(ctx context.Context, id, organizationID uuid.UUID) (domain.Call, error)
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, toEmail, subject, htmlContent string) error
}

var summaryTmpl = template.Must(template.New("summary").Parse(`
<h2>Call {{.Status}}</h2>
<table>
  <tr><td>Callee</td><td>{{.CalleeNumber}}</td></tr>
  {{if .AgentName}}<tr><td>Agent</td><td>{{.AgentName}}</td></tr>{{end}}
  <tr><td>Duration</td><td>{{.Duration}}</td></tr>
  <tr><td>Cost</td><td>{{.Cost}}</td></tr>
  {{if .RecordingURL}}<tr><td>Recording</td><td><a href="{{.RecordingURL}}">{{.RecordingURL}}</a></td></tr>{{end}}
</table>
{{if .Transcript}}<h3>Transcript</h3><pre>{{.Transcript}}</pre>{{end}}
`))

type summaryData struct {
	Status       string
	CalleeNumber string
	AgentName    string
	Duration     string
	Cost         string
	RecordingURL string
	Transcript   string
}

// SummaryNotifier emails a per-call summary when a call reaches a terminal
// status.
type SummaryNotifier struct {
	lookup    CallLookup
	sender    Sender
	recipient string
	log       *logger.Logger
}

// NewSummaryNotifier creates the notifier. An empty recipient disables it.
func NewSummaryNotifier(lookup CallLookup, sender Sender, recipient string, log *logger.Logger) *SummaryNotifier {
	return &SummaryNotifier{
		lookup:    lookup,
		sender:    sender,
		recipient: recipient,
		log:       log,
	}
}

// Subscribe registers the notifier on the event bus.
func (n *SummaryNotifier) Subscribe(bus events.Bus) {
	bus.Subscribe(events.CallUpdated{}.EventName(), events.HandlerFunc(func(ctx context.Context, event events.Event) error {
		e, ok := event.(events.CallUpdated)
		if !ok || !e.Terminal || n.recipient == "" {
			return nil
		}

		if err := n.Notify(ctx, e.CallID, e.OrganizationID); err != nil {
			n.log.Error("post-call summary email failed", "call_id", e.CallID, "error", err)
			return err
		}
		return nil
	}))
}

// Notify loads the call and sends the summary mail.
func (n *SummaryNotifier) Notify(ctx context.Context, callID, organizationID uuid.UUID) error {
	call, err := n.lookup.GetByID(ctx, callID, organizationID)
	if err != nil {
		return fmt.Errorf("load call for summary: %w", err)
	}

	data := summaryData{
		Status:       string(call.Status),
		CalleeNumber: call.CalleeNumber,
		AgentName:    call.AgentName,
		Duration:     (time.Duration(call.DurationSeconds) * time.Second).String(),
		Cost:         fmt.Sprintf("€%.2f", float64(call.CostCents)/100),
	}
	if call.RecordingURL != nil {
		data.RecordingURL = *call.RecordingURL
	}
	if call.Transcript != nil {
		data.Transcript = *call.Transcript
	}

	var body bytes.Buffer
	if err := summaryTmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render summary: %w", err)
	}

	subject := fmt.Sprintf("Call %s: %s", call.Status, call.CalleeNumber)
	return n.sender.Send(ctx, n.recipient, subject, body.String())
}
