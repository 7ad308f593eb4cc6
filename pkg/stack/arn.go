package stack

import "fmt"

// Pseudo-parameter tokens used when the account or region is resolved at
// deployment time rather than pinned in the declaration.
const (
	AccountToken = "${AWS::AccountId}"
	RegionToken  = "${AWS::Region}"
)

// S3BucketARN returns the ARN of a bucket.
func S3BucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}

// S3ObjectARN returns the ARN of one object (or a key pattern such as "*").
func S3ObjectARN(bucket, key string) string {
	return fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, key)
}

// LogsNamespaceARN returns the per-account, per-region log namespace pattern.
func LogsNamespaceARN(region, account string) string {
	return fmt.Sprintf("arn:aws:logs:%s:%s:*", orToken(region, RegionToken), orToken(account, AccountToken))
}

// GlueJobARN returns the ARN of a Glue job.
func GlueJobARN(region, account, jobName string) string {
	return fmt.Sprintf("arn:aws:glue:%s:%s:job/%s", orToken(region, RegionToken), orToken(account, AccountToken), jobName)
}

// StatesStateMachineARN returns the ARN of a state machine.
func StatesStateMachineARN(region, account, name string) string {
	return fmt.Sprintf("arn:aws:states:%s:%s:stateMachine:%s", orToken(region, RegionToken), orToken(account, AccountToken), name)
}

// EventsRuleARN returns the ARN of an event rule.
func EventsRuleARN(region, account, name string) string {
	return fmt.Sprintf("arn:aws:events:%s:%s:rule/%s", orToken(region, RegionToken), orToken(account, AccountToken), name)
}

func orToken(v, token string) string {
	if v == "" {
		return token
	}
	return v
}
