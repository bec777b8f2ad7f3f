package services

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// TrackTime logs how long a pipeline step took. Use with defer:
//
//	defer TrackTime("replaceEvents", time.Now())
func TrackTime(step string, start time.Time) {
	log.WithField("step", step).Debugf("%s took %d ms", step, time.Since(start).Milliseconds())
}
