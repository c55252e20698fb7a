package store

import "time"

const dbTimeLayout = time.RFC3339Nano

func dbFormatTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func dbParseTime(value string) (time.Time, error) {
	t, err := time.Parse(dbTimeLayout, value)
	if err != nil {
		// Older rows may carry second precision.
		t, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
