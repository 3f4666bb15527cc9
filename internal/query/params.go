package query

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"styx-dpi/internal/model"
)

// ParamError reports a query parameter that cannot be honoured.
type ParamError struct {
	Param  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// ParseFilter builds a Filter from request parameters. A relative range
// ("<n>[smhdy]") starts n units before now and is open-ended; it cannot be
// combined with absolute dates, times or a timezone. Absolute values are read
// in the given timezone (UTC by default) and converted to UTC. A date without
// a time covers the whole day; a time without a date is taken from today.
func ParseFilter(values url.Values, now time.Time) (Filter, error) {
	f := Filter{Client: values.Get("client")}

	startDate, startTime := values.Get("start_date"), values.Get("start_time")
	endDate, endTime := values.Get("end_date"), values.Get("end_time")
	relative, zone := values.Get("relative"), values.Get("timezone")

	if relative != "" {
		if startDate != "" || startTime != "" || endDate != "" || endTime != "" || zone != "" {
			return Filter{}, &ParamError{Param: "relative", Reason: "cannot specify both relative time and absolute time parameters"}
		}
		start, err := relativeStart(relative, now.UTC())
		if err != nil {
			return Filter{}, err
		}
		f.Start = start.Format(model.TimestampLayout)
		return f, nil
	}

	loc := time.UTC
	if zone != "" {
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Filter{}, &ParamError{Param: "timezone", Reason: "invalid timezone"}
		}
		loc = l
	}
	today := now.In(loc).Format(dateLayout)

	var err error
	if f.Start, err = absolute("start", startDate, startTime, "00:00:00", today, loc); err != nil {
		return Filter{}, err
	}
	if f.End, err = absolute("end", endDate, endTime, "23:59:59", today, loc); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func absolute(prefix, date, clock, dayBoundary, today string, loc *time.Location) (string, error) {
	switch {
	case date == "" && clock == "":
		return "", nil
	case clock == "":
		clock = dayBoundary
	case date == "":
		date = today
	}

	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", &ParamError{Param: prefix + "_date", Reason: "expected YYYY-MM-DD"}
	}
	if _, err := time.Parse(timeLayout, clock); err != nil {
		return "", &ParamError{Param: prefix + "_time", Reason: "expected HH:MM:SS"}
	}
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
	if err != nil {
		return "", &ParamError{Param: prefix + "_date", Reason: err.Error()}
	}
	return t.UTC().Format(model.TimestampLayout), nil
}

func relativeStart(relative string, now time.Time) (time.Time, error) {
	if len(relative) < 2 {
		return time.Time{}, &ParamError{Param: "relative", Reason: "expected <n>[smhdy]"}
	}
	n, err := strconv.Atoi(relative[:len(relative)-1])
	if err != nil {
		return time.Time{}, &ParamError{Param: "relative", Reason: "expected <n>[smhdy]"}
	}

	switch relative[len(relative)-1] {
	case 's':
		return now.Add(-time.Duration(n) * time.Second), nil
	case 'm':
		return now.Add(-time.Duration(n) * time.Minute), nil
	case 'h':
		return now.Add(-time.Duration(n) * time.Hour), nil
	case 'd':
		return now.AddDate(0, 0, -n), nil
	case 'y':
		return now.AddDate(-n, 0, 0), nil
	default:
		return time.Time{}, &ParamError{Param: "relative", Reason: "invalid relative time unit"}
	}
}
