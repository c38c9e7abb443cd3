// Package wowzastub provides an in-process fake of the media server's REST
// API for integration-style tests. It records every interaction and supports
// scripted failures so tests can drive retry and degradation paths without a
// real Wowza deployment.
package wowzastub
