package stack

import "strings"

// Variant selects which resources a stack declares.
type Variant string

const (
	// VariantBasic declares the bucket reference, role, job, workflow and schedule.
	VariantBasic Variant = "basic"

	// VariantCatalog additionally declares a catalog database, a table and a
	// network connection, and widens the role's object-store scope to the bucket.
	VariantCatalog Variant = "catalog"
)

// Managed-service identities and constants of the declared graph.
const (
	GlueServicePrincipal   = "glue.amazonaws.com"
	StatesServicePrincipal = "states.amazonaws.com"
	EventsServicePrincipal = "events.amazonaws.com"
	GlueServiceRolePolicy  = "service-role/AWSGlueServiceRole"

	CommandGlueETL    = "glueetl"
	WorkflowExpress   = "EXPRESS"
	WorkflowStandard  = "STANDARD"
	ConnectionNetwork = "NETWORK"

	DefaultStateName  = "Start Glue Job"
	DefaultResultPath = "$.glueJobRunId"
	TableDataSuffix   = "/data/"
	ScheduleTimeZone  = "UTC"
)

// Logical IDs of the declared resources.
const (
	IDBucket           = "MyBucket"
	IDRole             = "GlueJobRole"
	IDJob              = "MyGlueJob"
	IDStateMachine     = "GlueJobStateMachine"
	IDStateMachineRole = "GlueJobStateMachineRole"
	IDRule             = "GlueJobSchedule"
	IDRuleRole         = "GlueJobScheduleEventsRole"
	IDDatabase         = "GlueDatabase"
	IDTable            = "GlueTable"
	IDConnection       = "GlueConnection"
)

// Column types a catalog table may declare.
var PrimitiveColumnTypes = []string{
	"string", "int", "bigint", "smallint", "tinyint", "double", "float",
	"decimal", "boolean", "date", "timestamp", "binary",
}

// IsPrimitiveColumnType reports whether t is in the primitive vocabulary.
// Parameterized decimals such as decimal(10,2) are accepted.
func IsPrimitiveColumnType(t string) bool {
	base := strings.ToLower(t)
	if i := strings.IndexByte(base, '('); i > 0 && strings.HasSuffix(base, ")") {
		base = base[:i]
		if base != "decimal" {
			return false
		}
	}
	for _, p := range PrimitiveColumnTypes {
		if base == p {
			return true
		}
	}
	return false
}

// ObjectStoreRef is a pre-existing bucket. It is looked up, never created.
type ObjectStoreRef struct {
	LogicalID string `json:"logicalId"`
	Name      string `json:"name"`
}

// LookupBucket returns a reference to an existing bucket.
func LookupBucket(name string) ObjectStoreRef {
	return ObjectStoreRef{LogicalID: IDBucket, Name: name}
}

// ARN returns the bucket ARN.
func (b ObjectStoreRef) ARN() string { return S3BucketARN(b.Name) }

// ObjectARN returns the ARN of a key in the bucket.
func (b ObjectStoreRef) ObjectARN(key string) string { return S3ObjectARN(b.Name, key) }

// URI returns the s3:// URI of a key in the bucket. An empty key gives the bucket root.
func (b ObjectStoreRef) URI(key string) string {
	return "s3://" + b.Name + "/" + strings.TrimPrefix(key, "/")
}

// PolicyStatement grants actions on resources.
type PolicyStatement struct {
	Effect    string   `json:"effect"`
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
}

// Allow builds an Allow statement.
func Allow(actions []string, resources ...string) PolicyStatement {
	return PolicyStatement{Effect: "Allow", Actions: actions, Resources: resources}
}

// ExecutionRole is the identity the job runs under.
type ExecutionRole struct {
	LogicalID       string            `json:"logicalId"`
	TrustPrincipal  string            `json:"trustPrincipal"`
	ManagedPolicies []string          `json:"managedPolicies"`
	Statements      []PolicyStatement `json:"statements"`
}

// ProcessingJob is the managed ETL job.
type ProcessingJob struct {
	LogicalID      string `json:"logicalId"`
	Name           string `json:"name"`
	RoleRef        string `json:"roleRef"`
	Command        string `json:"command"`
	ScriptLocation string `json:"scriptLocation"`
	PythonVersion  string `json:"pythonVersion"`
	GlueVersion    string `json:"glueVersion"`

	// Connections stays empty: a declared network connection is not attached to the job.
	Connections []string `json:"connections,omitempty"`
}

// Workflow is the single-step orchestration workflow that starts the job.
type Workflow struct {
	LogicalID  string          `json:"logicalId"`
	Type       string          `json:"type"`
	StateName  string          `json:"stateName"`
	JobName    string          `json:"jobName"`
	ResultPath string          `json:"resultPath"`
	Grant      PolicyStatement `json:"grant"`
}

// ScheduleRule fires the workflow on a cron schedule.
type ScheduleRule struct {
	LogicalID  string   `json:"logicalId"`
	Expression string   `json:"expression"`
	TimeZone   string   `json:"timeZone"`
	Targets    []string `json:"targets"`
}

// CatalogDatabase is a catalog database owned by the account.
type CatalogDatabase struct {
	LogicalID string `json:"logicalId"`
	Name      string `json:"name"`
	CatalogID string `json:"catalogId"`
}

// Column is a catalog table column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// CatalogTable is schema-on-read metadata over objects in the bucket.
type CatalogTable struct {
	LogicalID    string   `json:"logicalId"`
	Name         string   `json:"name"`
	DatabaseRef  string   `json:"databaseRef"`
	CatalogID    string   `json:"catalogId"`
	Columns      []Column `json:"columns"`
	Location     string   `json:"location"`
	InputFormat  string   `json:"inputFormat"`
	OutputFormat string   `json:"outputFormat"`
	SerdeLibrary string   `json:"serdeLibrary"`
}

// NetworkConnection is a reusable network connection profile.
type NetworkConnection struct {
	LogicalID        string   `json:"logicalId"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	AvailabilityZone string   `json:"availabilityZone"`
	SecurityGroupIDs []string `json:"securityGroupIds"`
	SubnetID         string   `json:"subnetId"`
}
