package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/samber/oops"
)

// cloudFormationClient defines the methods of the CloudFormation client that
// we use. This is used for faking the client in tests.
type cloudFormationClient interface {
	DescribeStacks(ctx context.Context,
		params *cloudformation.DescribeStacksInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateStack(ctx context.Context,
		params *cloudformation.CreateStackInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context,
		params *cloudformation.UpdateStackInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
	ValidateTemplate(ctx context.Context,
		params *cloudformation.ValidateTemplateInput,
		optFns ...func(*cloudformation.Options)) (*cloudformation.ValidateTemplateOutput, error)
}

type stsClient interface {
	GetCallerIdentity(ctx context.Context,
		params *sts.GetCallerIdentityInput,
		optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type glueClient interface {
	StartJobRun(ctx context.Context,
		params *glue.StartJobRunInput,
		optFns ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context,
		params *glue.GetJobRunInput,
		optFns ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
}

var (
	_ cloudFormationClient = (*cloudformation.Client)(nil)
	_ stsClient            = (*sts.Client)(nil)
	_ glueClient           = (*glue.Client)(nil)
)

// Config selects the account, region and endpoint the clients talk to.
// Empty fields fall back to the SDK's default chain (environment, shared
// config, instance role).
type Config struct {
	Region          string
	Profile         string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// LoadConfig resolves an aws.Config from cfg.
func LoadConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, oops.In(logDomain).Wrapf(err, "failed to load AWS configuration")
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

// Clients holds the service clients used by glueflow.
type Clients struct {
	Config         aws.Config
	CloudFormation *cloudformation.Client
	STS            *sts.Client
	Glue           *glue.Client
}

// NewClients builds every service client from one configuration.
func NewClients(awsCfg aws.Config) *Clients {
	return &Clients{
		Config:         awsCfg,
		CloudFormation: cloudformation.NewFromConfig(awsCfg),
		STS:            sts.NewFromConfig(awsCfg),
		Glue:           glue.NewFromConfig(awsCfg),
	}
}
