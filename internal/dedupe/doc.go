// Package dedupe suppresses repeat deliveries of the same message to the same user
// within a configurable time window.
package dedupe
