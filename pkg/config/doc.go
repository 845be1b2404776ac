// Package config provides daemon configuration loading and CUE profile
// parsing for OpenHerd.
//
// The daemon configuration is plain YAML covering the database,
// scheduler, membership, telemetry and policy concerns. Profiles, the
// immutable node templates, are written in CUE and validated against a
// built-in schema before they become engine.Profile records; the
// profile version is a content hash of the canonical spec so identical
// bodies always collapse to one version.
package config
