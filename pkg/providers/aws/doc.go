// Package aws deploys synthesized stacks and talks to the AWS control plane.
//
// Deployer submits the whole template as one CloudFormation stack and
// drives a Lifecycle through pending, submitted and one of complete, failed
// or noop. AccountResolver, BucketChecker and JobRunner cover STS, the S3
// script bucket and Glue job runs. SDK errors are wrapped with oops and
// mapped onto engine error classes; only throttling is retried.
package aws
