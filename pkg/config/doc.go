// Package config loads stack declarations from CUE files.
//
// A configuration declares a single top-level `stack` block that is unified
// with the built-in #Stack schema, so omitted fields take the defaults of the
// basic variant:
//
//	stack: {
//	    variant: "catalog"
//	    schedule: hour: "6"
//	    catalog: table: columns: [{name: "id", type: "string"}]
//	}
//
// The decoded StackConfig is checked with go-playground/validator and may be
// adjusted by a Starlark override script whose top-level string or integer
// globals (name, bucket, job_name, minute, hour, ...) replace the matching
// fields. The script sees the current configuration as the `config` dict.
//
// Starlark execution is sandboxed: print is suppressed, there is no
// filesystem or network access, and evaluation times out after 30 seconds.
package config
