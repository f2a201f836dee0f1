package model

import "time"

// TimeLayout is the format of stored event timestamps
const TimeLayout = time.RFC3339Nano

// Event is one logged subscriber command.
// The capitalised keys are what the browser client expects.
type Event struct {
	ID        int64  `json:"Id"`
	Timestamp string `json:"Timestamp"`
	Command   string `json:"Command"`
}

// Timestamp returns the current time in the stored format
func Timestamp() string {
	return time.Now().Format(TimeLayout)
}
