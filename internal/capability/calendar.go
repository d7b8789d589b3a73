package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

// CalendarClient is the subset of the caldav client the calendar
// capabilities need. Satisfied by *caldav.Client.
type CalendarClient interface {
	QueryCalendar(ctx context.Context, path string, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
}

// eventTimeLayouts are the datetime formats accepted from the worker.
var eventTimeLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// SetCalendar registers the caldav-backed calendar capabilities.
// calendarPath is the collection path on the server.
func (r *Registry) SetCalendar(client CalendarClient, calendarPath string) {
	r.Register(&Capability{
		Name:        "create_calendar_event",
		Description: "Create a calendar event. Use when the user asks to schedule a meeting, appointment, or reminder on their calendar.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Event title",
				},
				"start": map[string]any{
					"type":        "string",
					"description": "Start time, e.g. 2026-08-26T15:00",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "End time. Defaults to one hour after start.",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional event description",
				},
			},
			"required": []string{"title", "start"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleCreateEvent(ctx, client, calendarPath, args)
		},
	})

	r.Register(&Capability{
		Name:        "list_calendar_events",
		Description: "List calendar events in a date range. Use when the user asks what's on their calendar or schedule.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start": map[string]any{
					"type":        "string",
					"description": "Range start, e.g. 2026-08-26. Defaults to now.",
				},
				"end": map[string]any{
					"type":        "string",
					"description": "Range end. Defaults to seven days after start.",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleListEvents(ctx, client, calendarPath, args)
		},
	})
}

func parseEventTime(s string) (time.Time, error) {
	for _, layout := range eventTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q (use e.g. 2026-08-26T15:00)", s)
}

func handleCreateEvent(ctx context.Context, client CalendarClient, calendarPath string, args map[string]any) (string, error) {
	title, err := stringArg(args, "title")
	if err != nil {
		return "", err
	}
	startStr, err := stringArg(args, "start")
	if err != nil {
		return "", err
	}
	start, err := parseEventTime(startStr)
	if err != nil {
		return "", err
	}
	end := start.Add(time.Hour)
	if endStr := optStringArg(args, "end", ""); endStr != "" {
		if end, err = parseEventTime(endStr); err != nil {
			return "", err
		}
	}
	if !end.After(start) {
		return "", fmt.Errorf("end must be after start")
	}

	uid := uuid.NewString()
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, end)
	event.Props.SetText(ical.PropSummary, title)
	if desc := optStringArg(args, "description", ""); desc != "" {
		event.Props.SetText(ical.PropDescription, desc)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//Orion//orion//EN")
	cal.Children = append(cal.Children, event.Component)

	path := strings.TrimSuffix(calendarPath, "/") + "/" + uid + ".ics"
	if _, err := client.PutCalendarObject(ctx, path, cal); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return fmt.Sprintf("Created %q on %s.", title, start.Format("Mon Jan 2 15:04")), nil
}

func handleListEvents(ctx context.Context, client CalendarClient, calendarPath string, args map[string]any) (string, error) {
	start := time.Now()
	if s := optStringArg(args, "start", ""); s != "" {
		var err error
		if start, err = parseEventTime(s); err != nil {
			return "", err
		}
	}
	end := start.Add(7 * 24 * time.Hour)
	if s := optStringArg(args, "end", ""); s != "" {
		var err error
		if end, err = parseEventTime(s); err != nil {
			return "", err
		}
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start,
				End:   end,
			}},
		},
	}

	objs, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return "", fmt.Errorf("query calendar: %w", err)
	}

	var lines []string
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			summary, _ := ev.Props.Text(ical.PropSummary)
			when := ""
			if t, err := ev.DateTimeStart(time.Local); err == nil {
				when = t.Format("Mon Jan 2 15:04")
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", when, summary))
		}
	}
	if len(lines) == 0 {
		return fmt.Sprintf("No events between %s and %s.",
			start.Format("Jan 2"), end.Format("Jan 2")), nil
	}
	return strings.Join(lines, "\n"), nil
}
