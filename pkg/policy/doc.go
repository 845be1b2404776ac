// Package policy provides the pre- and post-operation hooks evaluated
// around cluster actions. Built-in policies cover scaling bounds,
// scale-in victim selection, and node health verdicts; operators extend
// the set with Rego (.rego) and Starlark (.star) policies loaded from
// disk and hot-reloaded on change.
package policy
