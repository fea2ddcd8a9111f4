// Package dedupe suppresses duplicate platform events within a time window.
package dedupe
