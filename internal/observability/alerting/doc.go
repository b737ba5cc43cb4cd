// Package alerting fans error events out to notification channels.
package alerting
